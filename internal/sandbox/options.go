package sandbox

// RemoveOption configures sandbox removal.
type RemoveOption func(*RemoveOptions)

// RemoveOptions holds the resolved removal configuration.
type RemoveOptions struct {
	// RemoveVolumes deletes the sandbox's named data volume along with the
	// sandbox. Default is false so rebuilds keep session state.
	RemoveVolumes bool
}

// WithRemoveVolumes requests deletion of the sandbox's persistent data
// volume. Used on session deletion; plain stops and rebuilds keep the volume.
func WithRemoveVolumes() RemoveOption {
	return func(o *RemoveOptions) {
		o.RemoveVolumes = true
	}
}

// ParseRemoveOptions applies opts and returns the resolved configuration.
func ParseRemoveOptions(opts []RemoveOption) RemoveOptions {
	var cfg RemoveOptions
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
