// Package preview holds the core types, interfaces, and error taxonomy shared
// by the sitepeek resolver, proxy, API, and client orchestrator, along with
// the URL normalizer that turns free-form input into a TargetURL.
package preview
