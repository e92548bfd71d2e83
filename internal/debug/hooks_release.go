//go:build !debug
// +build !debug

package debug

// Hook, RunHook and RemoveHook are no-ops in release builds; they are
// replaced by the map-backed versions in hooks.go when built with the
// "debug" build tag, which lets tests register deterministic fault/timing
// hooks at specific call sites without paying for a map lookup in
// production.
func Hook(name string, f func(interface{})) {}

func RunHook(name string, context interface{}) {}

func RemoveHook(name string) {}
