// Package mcp is a Model Context Protocol client. It connects to
// external MCP servers over stdio or streamable HTTP and bridges their
// tools into the tool registry as mcp_{server}_{tool}.
//
// Bridged tools carry the backend name mcp:{server}. When a
// connwatch.Manager is supplied, the server is pinged in the background
// and its tools are advertised only while it answers.
package mcp
