// Package prompts holds the instructions Harbor sends to models for its
// own purposes: nudges injected into a turn, the compaction summary
// request, and the seed that carries context into the next relay stage.
//
// Each category gets its own file with an exported function (or
// constant) that returns the fully interpolated text.
package prompts
