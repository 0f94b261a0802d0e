package blocks

import (
	"fmt"
	"regexp"
)

// BlockType determines a block's shape on the canvas.
type BlockType string

const (
	BlockTypeCommand  BlockType = "command"  // Does not report a value
	BlockTypeReporter BlockType = "reporter" // Reports a string or number
	BlockTypeBoolean  BlockType = "Boolean"  // Reports true or false
	BlockTypeHat      BlockType = "hat"      // Starts a script, polled by the host
	BlockTypeEvent    BlockType = "event"    // Starts a script, fired by the extension
)

// ArgumentType determines the shape of an argument's input slot.
type ArgumentType string

const (
	ArgumentTypeString  ArgumentType = "string"
	ArgumentTypeNumber  ArgumentType = "number"
	ArgumentTypeBoolean ArgumentType = "Boolean"
	ArgumentTypeColor   ArgumentType = "color"
	ArgumentTypeAngle   ArgumentType = "angle"
	ArgumentTypeMatrix  ArgumentType = "matrix"
	ArgumentTypeNote    ArgumentType = "note"
	ArgumentTypeImage   ArgumentType = "image"
)

// Argument describes one bracketed placeholder of a block's text.
type Argument struct {
	Type         ArgumentType `json:"type" yaml:"type"`
	DefaultValue string       `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Menu         string       `json:"menu,omitempty" yaml:"menu,omitempty"`
}

// Block describes a single operation exposed on the canvas.
type Block struct {
	Opcode    string              `json:"opcode" yaml:"opcode"`
	BlockType BlockType           `json:"blockType" yaml:"blockType"`
	Text      string              `json:"text" yaml:"text"`
	Arguments map[string]Argument `json:"arguments" yaml:"arguments"`

	// IsEdgeActivated is only meaningful for hats. Event blocks must set it
	// to false.
	IsEdgeActivated *bool `json:"isEdgeActivated,omitempty" yaml:"isEdgeActivated,omitempty"`
}

// MenuItem is one option of a static menu.
type MenuItem struct {
	Text  string `json:"text" yaml:"text"`
	Value string `json:"value" yaml:"value"`
}

// Menu is a static, enumerated option set referenced by arguments.
type Menu struct {
	AcceptReporters bool       `json:"acceptReporters" yaml:"acceptReporters"`
	Items           []MenuItem `json:"items" yaml:"items"`
}

// Manifest is the declaration an extension hands to the host.
type Manifest struct {
	ID     string          `json:"id" yaml:"id"`
	Name   string          `json:"name" yaml:"name"`
	Blocks []Block         `json:"blocks" yaml:"blocks"`
	Menus  map[string]Menu `json:"menus,omitempty" yaml:"menus,omitempty"`
}

var (
	idPattern          = regexp.MustCompile(`^[a-z0-9]+$`)
	placeholderPattern = regexp.MustCompile(`\[([A-Za-z0-9_]+)\]`)
)

// Bool returns a pointer to b, for IsEdgeActivated.
func Bool(b bool) *bool {
	return &b
}

// Placeholders returns the argument names referenced by the block text, in
// order of appearance.
func (b Block) Placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(b.Text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// IsTrigger reports whether the block starts scripts rather than being run by them.
func (b Block) IsTrigger() bool {
	return b.BlockType == BlockTypeHat || b.BlockType == BlockTypeEvent
}

// Values returns the menu's option values in declaration order.
func (m Menu) Values() []string {
	values := make([]string, len(m.Items))
	for i, item := range m.Items {
		values[i] = item.Value
	}
	return values
}

// Contains reports whether value is one of the menu's option values.
func (m Menu) Contains(value string) bool {
	for _, item := range m.Items {
		if item.Value == value {
			return true
		}
	}
	return false
}

// Block looks up a block by opcode.
func (m Manifest) Block(opcode string) (Block, bool) {
	for _, b := range m.Blocks {
		if b.Opcode == opcode {
			return b, true
		}
	}
	return Block{}, false
}

// QualifiedOpcode returns the host-wide name of one of the manifest's blocks,
// e.g. "websockets_whenEvent".
func (m Manifest) QualifiedOpcode(opcode string) string {
	return m.ID + "_" + opcode
}

// Clone returns a deep copy of the manifest.
func (m Manifest) Clone() Manifest {
	out := Manifest{
		ID:     m.ID,
		Name:   m.Name,
		Blocks: make([]Block, len(m.Blocks)),
	}

	for i, b := range m.Blocks {
		nb := b
		if b.Arguments != nil {
			nb.Arguments = make(map[string]Argument, len(b.Arguments))
			for k, v := range b.Arguments {
				nb.Arguments[k] = v
			}
		}
		if b.IsEdgeActivated != nil {
			nb.IsEdgeActivated = Bool(*b.IsEdgeActivated)
		}
		out.Blocks[i] = nb
	}

	if m.Menus != nil {
		out.Menus = make(map[string]Menu, len(m.Menus))
		for name, menu := range m.Menus {
			items := make([]MenuItem, len(menu.Items))
			copy(items, menu.Items)
			out.Menus[name] = Menu{AcceptReporters: menu.AcceptReporters, Items: items}
		}
	}

	return out
}

// Validate checks the rules the host relies on: a lower-case alphanumeric id,
// unique opcodes, placeholders that match declared arguments, and menus that
// exist.
func Validate(m Manifest) error {
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("invalid extension id %q: only a-z and 0-9 are allowed", m.ID)
	}

	if m.Name == "" {
		return fmt.Errorf("extension %s: name is required", m.ID)
	}

	seen := make(map[string]bool, len(m.Blocks))
	for _, b := range m.Blocks {
		if b.Opcode == "" {
			return fmt.Errorf("extension %s: block with empty opcode", m.ID)
		}
		if seen[b.Opcode] {
			return fmt.Errorf("extension %s: duplicate opcode %q", m.ID, b.Opcode)
		}
		seen[b.Opcode] = true

		switch b.BlockType {
		case BlockTypeCommand, BlockTypeReporter, BlockTypeBoolean, BlockTypeHat, BlockTypeEvent:
		default:
			return fmt.Errorf("extension %s: block %s has unknown block type %q", m.ID, b.Opcode, b.BlockType)
		}

		if b.BlockType == BlockTypeEvent && b.IsEdgeActivated != nil && *b.IsEdgeActivated {
			return fmt.Errorf("extension %s: event block %s cannot be edge activated", m.ID, b.Opcode)
		}

		placeholders := b.Placeholders()
		if len(placeholders) != len(b.Arguments) {
			return fmt.Errorf("extension %s: block %s has %d placeholders but %d arguments",
				m.ID, b.Opcode, len(placeholders), len(b.Arguments))
		}

		for _, name := range placeholders {
			arg, ok := b.Arguments[name]
			if !ok {
				return fmt.Errorf("extension %s: block %s references undeclared argument %s", m.ID, b.Opcode, name)
			}
			if arg.Menu != "" {
				if _, ok := m.Menus[arg.Menu]; !ok {
					return fmt.Errorf("extension %s: argument %s of block %s references unknown menu %s",
						m.ID, name, b.Opcode, arg.Menu)
				}
			}
		}
	}

	return nil
}
