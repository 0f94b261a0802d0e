package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/heimdalr/dag"
)

// ExtractReferencesFromAttribute returns the distinct root variable names an
// attribute's expression refers to.
func ExtractReferencesFromAttribute(attr *hcl.Attribute) []string {
	var refs []string
	seen := make(map[string]bool)

	for _, traversal := range attr.Expr.Variables() {
		if len(traversal) == 0 {
			continue
		}

		root := traversal.RootName()
		if !seen[root] {
			seen[root] = true
			refs = append(refs, root)
		}
	}

	return refs
}

// SortAttributesByDependencies returns the attributes ordered so that each
// comes after the attributes it refers to. References to names outside
// attrs are left for evaluation to resolve.
func SortAttributesByDependencies(attrs hcl.Attributes) ([]*hcl.Attribute, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	graph := dag.NewDAG()

	for _, attr := range attrs {
		err := graph.AddVertexByID(attr.Name, attr)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to add attribute to dependency graph",
				Detail:   fmt.Sprintf("Error adding attribute %s: %s", attr.Name, err),
				Subject:  &attr.NameRange,
			})
		}
	}

	for name, attr := range attrs {
		for _, ref := range ExtractReferencesFromAttribute(attr) {
			if _, exists := attrs[ref]; !exists {
				continue
			}

			if err := graph.AddEdge(ref, name); err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Circular dependency detected",
					Detail:   fmt.Sprintf("Cannot add dependency from %s to %s: %s", ref, name, err),
					Subject:  &attr.Range,
				})
			}
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	visitor := &attributeVertexVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.attrs, diags
}

type attributeVertexVisitor struct {
	attrs []*hcl.Attribute
}

func (v *attributeVertexVisitor) Visit(vertex dag.Vertexer) {
	_, value := vertex.Vertex()
	v.attrs = append(v.attrs, value.(*hcl.Attribute))
}
