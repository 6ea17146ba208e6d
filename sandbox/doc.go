// Package sandbox provides ephemeral isolated execution environments.
//
// A Sandbox is a single-use container created from a language profile with
// networking disabled, memory and CPU capped, and an idle placeholder process
// keeping it alive so commands can be executed in it one after another. The
// package is split along the pipeline stages:
//
//   - Provisioner creates and destroys sandboxes
//   - Transfer copies a payload of files into a sandbox as one archive
//   - Runner executes one command and captures stdout and stderr separately
//
// All three talk to an isolation substrate through the Substrate interface.
// DockerSubstrate uses the Docker Engine API; PodmanSubstrate drives a podman
// (or docker) binary.
//
// Usage:
//
//	substrate, err := sandbox.Connect(ctx, logger, cfg)
//	provisioner := sandbox.NewProvisioner(logger, substrate)
//	sb, err := provisioner.Create(ctx, profile)
//	defer provisioner.Destroy(ctx, sb)
package sandbox
