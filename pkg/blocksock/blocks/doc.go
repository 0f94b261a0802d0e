// Package blocks describes extensions to a visual-programming host.
//
// A Manifest lists the blocks an extension contributes, the arguments each
// block takes and the static menus those arguments draw their values from.
// Manifests are plain data: extensions build one at construction time and
// hand out copies, so the host can never mutate an extension's declaration.
package blocks
