// Package skills loads markdown skill files (optional YAML front matter with
// name and description, body as instructions) and renders them into the
// system prompt block. Watch reloads the set when the directory changes.
package skills
