package config

import "github.com/hashicorp/hcl/v2"

// BlockHandler processes one type of top-level block. Preprocess sees every
// block of its type before anything is evaluated; FinishPreprocessing then
// runs once per handler, in handler order, and is where constants are
// evaluated and the runtime is assembled. Process runs per block after that.
type BlockHandler interface {
	Preprocess(block *hcl.Block) hcl.Diagnostics
	FinishPreprocessing(config *Config) hcl.Diagnostics
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
	FinishProcessing(config *Config) hcl.Diagnostics
}

type BlockHandlerBase struct {
}

func (b *BlockHandlerBase) Preprocess(block *hcl.Block) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) FinishPreprocessing(config *Config) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) FinishProcessing(config *Config) hcl.Diagnostics {
	return nil
}

type namedHandler struct {
	BlockHandler
	blockType string
	labels    []string
}

// BlockHandlers is an ordered set of handlers.
type BlockHandlers []namedHandler

func (h BlockHandlers) Get(blockType string) (BlockHandler, bool) {
	for _, handler := range h {
		if handler.blockType == blockType {
			return handler.BlockHandler, true
		}
	}
	return nil, false
}

// GetBlockHandlers returns fresh handlers in the order their
// FinishPreprocessing must run: constants first, then the host, then the
// extensions that get registered with it.
func GetBlockHandlers() BlockHandlers {
	return BlockHandlers{
		{blockType: "const", BlockHandler: NewConstBlockHandler()},
		{blockType: "host", BlockHandler: NewHostBlockHandler()},
		{blockType: "extension", labels: []string{"id"}, BlockHandler: NewExtensionBlockHandler()},
		{blockType: "assert", labels: []string{"name"}, BlockHandler: NewAssertBlockHandler()},
		{blockType: "when", labels: []string{"name"}, BlockHandler: NewWhenBlockHandler()},
		{blockType: "start", labels: []string{"name"}, BlockHandler: NewStartBlockHandler()},
		{blockType: "cron", labels: []string{"name"}, BlockHandler: NewCronBlockHandler()},
		{blockType: "signals", BlockHandler: NewSignalsBlockHandler()},
	}
}
