// Package domain holds the core types of the credential vault: provider
// connections, their status model, and the repository and publisher
// interfaces the adapters implement.
package domain
