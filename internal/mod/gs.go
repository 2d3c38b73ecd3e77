package mod

func init() {
	// Gaussian deployments run the default pipeline under their own
	// registration name; their server is selected by Resolve.
	Register("gs", func(opts Options) (Mod, error) {
		return newDefaultMod("gs", opts)
	})
}
