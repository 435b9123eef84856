package delegate

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/go-openvino/runtime"
)

// Flags enable optional capabilities of the delegate.
type Flags uint32

const (
	// FlagQS8 accepts signed 8-bit tensors with per-tensor affine quantization.
	FlagQS8 Flags = 1 << iota
	// FlagQU8 accepts unsigned 8-bit tensors with per-tensor affine quantization.
	FlagQU8
	// FlagForceFP16 compiles every subgraph with half precision inference.
	FlagForceFP16
)

// Has reports whether all bits of f are set.
func (flags Flags) Has(f Flags) bool {
	return flags&f == f
}

// Options configures a Delegate. The zero value is not valid: use
// DefaultOptions or OptionsFromEnv.
type Options struct {
	// Device is the engine device subgraphs are compiled for.
	Device string
	Flags  Flags

	// ArtifactDir, if set, receives the serialized IR (.xml and .bin) of
	// every compiled subgraph.
	ArtifactDir string

	// ClaimAllNodes makes the selector claim every node of the execution
	// plan without probing it, so a wrongly rejected operator fails loudly
	// at translation instead of silently running on the host. Conformance
	// testing only.
	ClaimAllNodes bool
}

// DefaultOptions returns options targeting the CPU device with no optional
// capability enabled.
func DefaultOptions() Options {
	return Options{Device: runtime.DefaultDevice}
}

// OptionsFromEnv returns DefaultOptions overridden by the environment:
//
//	OPENVINO_DELEGATE_DEVICE          device name
//	OPENVINO_DELEGATE_QS8             enable FlagQS8
//	OPENVINO_DELEGATE_QU8             enable FlagQU8
//	OPENVINO_DELEGATE_FORCE_FP16      enable FlagForceFP16
//	OPENVINO_DELEGATE_ARTIFACT_DIR    ArtifactDir
//	OPENVINO_DELEGATE_CLAIM_ALL_NODES ClaimAllNodes
func OptionsFromEnv() Options {
	opts := DefaultOptions()
	opts.Device = envStr("OPENVINO_DELEGATE_DEVICE", opts.Device)
	opts.ArtifactDir = envStr("OPENVINO_DELEGATE_ARTIFACT_DIR", "")
	opts.ClaimAllNodes = envBool("OPENVINO_DELEGATE_CLAIM_ALL_NODES", false)
	if envBool("OPENVINO_DELEGATE_QS8", false) {
		opts.Flags |= FlagQS8
	}
	if envBool("OPENVINO_DELEGATE_QU8", false) {
		opts.Flags |= FlagQU8
	}
	if envBool("OPENVINO_DELEGATE_FORCE_FP16", false) {
		opts.Flags |= FlagForceFP16
	}
	return opts
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
