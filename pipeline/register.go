package pipeline

import (
	adapterimage "github.com/oarepo/file-pipeline-engine/adapters/image"
	"github.com/oarepo/file-pipeline-engine/config"
	"github.com/oarepo/file-pipeline-engine/core"
	"github.com/oarepo/file-pipeline-engine/rangestream"
)

// Deps bundles the shared, request-independent collaborators the seven
// built-in steps close over: the HTTP client and chunking policy used to
// open the very first step's source, the Crypt4GH recipient keys, the
// bridge queue depth, and the thumbnailer. One Deps is built once at
// startup and reused by every StepFactory the registry hands out.
type Deps struct {
	Client          rangestream.HTTPDoer
	RangeStreamCfg  config.RangeStreamConfig
	Keys            config.KeySet
	BridgeQueueSize int
	Thumbnailer     *adapterimage.Thumbnailer
	DefaultMaxW     int
	DefaultMaxH     int
	MaxImageBytes   int64
	DrainChunkSize  int
}

// RegisterDefaults registers a factory for each of the seven StepKinds
// against reg, mirroring the teacher's vips.RegisterVipsBackend pattern of
// a single call that wires a compile-time table at startup.
func RegisterDefaults(reg core.Registry, d Deps) {
	source := sourceOpener{Client: d.Client, Cfg: d.RangeStreamCfg}

	reg.Register(core.StepDecryptCrypt4GH, func() core.Step {
		return &DecryptCrypt4GHStep{Source: source, PrivateKey: d.Keys.Crypt4GHPrivateKey}
	})
	reg.Register(core.StepAddRecipientCrypt4GH, func() core.Step {
		return &AddRecipientCrypt4GHStep{Source: source, PrivateKey: d.Keys.Crypt4GHPrivateKey}
	})
	reg.Register(core.StepValidateCrypt4GH, func() core.Step {
		return &ValidateCrypt4GHStep{Source: source, PrivateKey: d.Keys.Crypt4GHPrivateKey}
	})
	reg.Register(core.StepPreviewZip, func() core.Step {
		return &PreviewZipStep{Source: source}
	})
	reg.Register(core.StepExtractZip, func() core.Step {
		return &ExtractZipStep{Source: source, BridgeQueueSize: d.BridgeQueueSize}
	})
	reg.Register(core.StepPreviewImage, func() core.Step {
		return &PreviewImageStep{
			Source:         source,
			Thumbnailer:    d.Thumbnailer,
			DefaultMaxW:    d.DefaultMaxW,
			DefaultMaxH:    d.DefaultMaxH,
			MaxImageBytes:  d.MaxImageBytes,
			DrainChunkSize: d.DrainChunkSize,
		}
	})
	reg.Register(core.StepCreateZip, func() core.Step {
		return &CreateZipStep{}
	})
}
