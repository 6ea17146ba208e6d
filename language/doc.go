// Package language provides the static table of execution profiles.
//
// A Profile describes how source code in one language is executed: which
// container image provides the toolchain, which file name the source must be
// written to, and the optional compile and run command templates. The
// Registry is built once at startup and is read-only afterwards, so it can be
// shared by concurrent requests without locking.
//
// Usage:
//
//	registry, err := language.NewRegistryFromConfig(cfg)
//	profile, err := registry.Get("python")
//	argv, err := profile.RunArgs() // ["python", "main.py"]
package language
