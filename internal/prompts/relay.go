package prompts

import (
	"fmt"
	"strings"
)

// relayTemplate opens the first message of a relay stage.
// Format verbs: (1) completed stage number, (2) stage count,
// (3) previous result, (4) instructions for this stage.
const relayTemplate = `You are continuing a multi-stage job. Stage %d of %d finished with this result:

%s

Your stage:
%s`

// RelaySeed returns the opening prompt for the stage after completed
// (1-based). An empty instruction falls back to a generic handoff.
func RelaySeed(completed, total int, previousResult, instructions string) string {
	if strings.TrimSpace(instructions) == "" {
		instructions = "Continue the work from where the previous stage left off."
	}
	return fmt.Sprintf(relayTemplate, completed, total, strings.TrimSpace(previousResult), instructions)
}
