// Package provider holds the static catalog of third-party screenshot
// providers and the flows that order them. Request URL templates are provider
// contracts; building one is pure and never touches the network.
package provider
