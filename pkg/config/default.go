// Global glock config.
package config

// Name of the lock service.
const DBName = "glock"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// Default port 4562 (GLOB).
const DefaultPort = 4562

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
