package sandbox

import (
	"context"
	"fmt"
)

// Config selects and parameterizes one Sandbox Session variant, mapping
// directly onto the `sandbox` and `backend_options` configuration keys.
type Config struct {
	Variant Variant

	// LocalSubprocess is read when Variant == VariantLocalSubprocess.
	LocalSubprocess LocalSubprocessOptions
	// Firecracker is read when Variant == VariantContainer.
	Firecracker FirecrackerOptions
	// Remote is read when Variant == VariantRemoteFunction.
	Remote RemoteOptions
}

// Open constructs and connects a Session for the configured variant.
// Depth and Helper on the per-variant options are filled in from the
// arguments here so callers configure transport details once (in
// Config) and depth/helper per session (here), matching how the
// Completion Orchestrator creates one sandbox per completion at a fixed
// depth.
func Open(ctx context.Context, cfg Config, depth int, helper HelperHandler) (*Session, error) {
	switch cfg.Variant {
	case VariantLocalSubprocess:
		opts := cfg.LocalSubprocess
		opts.Depth = depth
		opts.Helper = helper
		return NewLocalSubprocess(ctx, opts)
	case VariantContainer:
		opts := cfg.Firecracker
		opts.Depth = depth
		opts.Helper = helper
		return NewFirecracker(ctx, opts)
	case VariantRemoteFunction:
		opts := cfg.Remote
		opts.Depth = depth
		opts.Helper = helper
		return NewRemote(ctx, opts)
	default:
		return nil, fmt.Errorf("sandbox: unknown variant %q", cfg.Variant)
	}
}
