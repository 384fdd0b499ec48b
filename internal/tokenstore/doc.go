// Package tokenstore persists the single OAuth credential record of the service.
//
// Two backends are available:
//   - File: JSON file on the local filesystem, written with temp file + rename
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Load never fails: a missing, unreadable or malformed record is reported as absent,
// which callers treat as "authorization required".
package tokenstore
