package pipeline

import (
	"testing"

	"github.com/oarepo/file-pipeline-engine/core"
)

func TestRegisterDefaultsCoversEveryStepKind(t *testing.T) {
	reg := core.NewRegistry()
	RegisterDefaults(reg, Deps{BridgeQueueSize: 1})

	kinds := []core.StepKind{
		core.StepDecryptCrypt4GH,
		core.StepAddRecipientCrypt4GH,
		core.StepValidateCrypt4GH,
		core.StepPreviewZip,
		core.StepExtractZip,
		core.StepPreviewImage,
		core.StepCreateZip,
	}
	for _, kind := range kinds {
		factory, ok := reg.StepFor(kind)
		if !ok {
			t.Fatalf("no factory registered for %q", kind)
		}
		step := factory()
		if step.Kind() != kind {
			t.Fatalf("factory for %q built a step reporting Kind() = %q", kind, step.Kind())
		}
	}
}
