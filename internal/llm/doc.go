// Package llm contains adapters for model-backed judges that score an agent's
// output for a quest. It abstracts provider-specific APIs behind a single
// Client interface so the scoring layer can swap judges through configuration.
package llm
