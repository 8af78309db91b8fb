// Package websearch queries a remote MCP server's WebSearch tool.
package websearch
