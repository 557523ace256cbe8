// Package cmd defines the sitepeek CLI.
//
//   - serve runs the HTTP API: POST /render, /render-fast, /render-simple
//     resolve a screenshot provider for a page URL, and POST /download proxies
//     the resulting image with browser-like headers.
//   - capture drives the client session against a running API, showing
//     synthetic progress while the provider renders and optionally saving
//     the image through the configured storage backend.
//   - providers lists each flow's candidates in priority order.
//
// Configuration is read from an optional file (--config), then SITEPEEK_*
// environment variables; a .env file in the working directory is loaded first.
package cmd
