package websockets

import (
	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
)

const (
	// ID is the extension id the host registers the adapter under.
	ID = "websockets"

	// HatOpcode is the qualified opcode of the event hat.
	HatOpcode = ID + "_" + "whenEvent"

	// EventField is the hat field carrying the event type.
	EventField = "EVT"
)

// Cache keys reported by the lastValue block.
const (
	KeyData   = "data"
	KeyReason = "reason"
)

func newManifest() blocks.Manifest {
	return blocks.Manifest{
		ID:   ID,
		Name: "Websockets",
		Blocks: []blocks.Block{
			{
				Opcode:    "connect",
				BlockType: blocks.BlockTypeCommand,
				Text:      "connect to [URL]",
				Arguments: map[string]blocks.Argument{
					"URL": {Type: blocks.ArgumentTypeString},
				},
			},
			{
				Opcode:    "send",
				BlockType: blocks.BlockTypeCommand,
				Text:      "send [TXT]",
				Arguments: map[string]blocks.Argument{
					"TXT": {Type: blocks.ArgumentTypeString},
				},
			},
			{
				Opcode:    "close",
				BlockType: blocks.BlockTypeCommand,
				Text:      "close",
			},
			{
				Opcode:    "lastValue",
				BlockType: blocks.BlockTypeReporter,
				Text:      "last [VAL]",
				Arguments: map[string]blocks.Argument{
					"VAL": {Type: blocks.ArgumentTypeString, Menu: "values"},
				},
			},
			{
				Opcode:          "whenEvent",
				BlockType:       blocks.BlockTypeEvent,
				Text:            "When websocket event [EVT] recieved",
				IsEdgeActivated: blocks.Bool(false),
				Arguments: map[string]blocks.Argument{
					EventField: {Type: blocks.ArgumentTypeString, Menu: "events"},
				},
			},
		},
		Menus: map[string]blocks.Menu{
			"events": {
				AcceptReporters: false,
				Items: []blocks.MenuItem{
					{Text: "Open", Value: "open"},
					{Text: "Error", Value: "error"},
					{Text: "Message", Value: "message"},
					{Text: "Close", Value: "close"},
				},
			},
			"values": {
				AcceptReporters: false,
				Items: []blocks.MenuItem{
					{Text: "message", Value: KeyData},
					{Text: "close reason", Value: KeyReason},
				},
			},
		},
	}
}
