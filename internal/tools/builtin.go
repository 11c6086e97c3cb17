package tools

// RegisterBuiltins registers all built-in tools in the given registry.
func RegisterBuiltins(reg *Registry, httpOpts HTTPOptions) error {
	all := make([]Tool, 0, 16)

	all = append(all,
		NewHTTPRequestTool(httpOpts),
		NewHTTPGetTool(httpOpts),
		NewHTTPPostTool(httpOpts),
		NewJSONQueryTool(),
	)
	all = append(all, CryptoTools()...)
	all = append(all, AssertTools()...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
