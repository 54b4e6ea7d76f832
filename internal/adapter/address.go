package adapter

// ResolveURL builds the externally reachable URL of this invocation. Every
// worker address role resolves to it (see worker.NewIdentity).
func ResolveURL(proto, host, path string) string {
	return proto + "://" + host + path
}
