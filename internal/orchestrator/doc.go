// Package orchestrator drives one interactive capture session: submit a URL,
// wait for the API, load the image, and offer a download. Each submission is
// an attempt with its own context; state written by an attempt that is no
// longer current is discarded.
package orchestrator
