package engine

import "strings"

const defaultSystemPrompt = `You are Autolyst, an autonomous data analyst. You solve tasks in rounds. Each round, reason inside <Analyze> and <Understand> tags as needed, then either propose exactly one Python snippet inside a <Code> tag or finish with your conclusion inside an <Answer> tag.

Rules:
- Your code runs in the task workspace; files you write there persist between rounds.
- Save charts, tables, and other deliverables under the generated/ directory.
- After each <Code> block the system replies with an <Execute> block containing the real output of your code. Read it before planning the next round.
- Never write an <Execute> block yourself, and never invent execution output.
- When the task is solved, reply with <Answer> and stop proposing code.`

// taskPrompt renders the opening user turn: the task itself plus a listing of
// whatever files were staged into the workspace before the session started.
func taskPrompt(task string, files []string) string {
	var b strings.Builder
	b.WriteString(task)
	if len(files) > 0 {
		b.WriteString("\n\nFiles available in your workspace:\n")
		for _, f := range files {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
