package cycle

import "fmt"

// Tool allowlists per step.
var (
	todoTools      = []string{"Task", "Read", "Edit", "Write"}
	implementTools = []string{"Task", "Read", "Write", "Edit", "MultiEdit", "Bash", "Glob", "Grep"}
	commitTools    = []string{"Task", "Bash", "Read"}
)

func selectInstruction(todoFile string) string {
	return fmt.Sprintf("Use todo-agent subagent to review the status of %[1]s, pick the next uncompleted task with highest priority, and mark it as [~] in progress. "+
		"Then reply with a single line starting with \"Task:\" followed by the selected line exactly as it appears in %[1]s. "+
		"If no uncompleted task remains, say so and do not quote any task line.", todoFile)
}

func implementInstruction(todoFile, task string) string {
	return fmt.Sprintf("Implement the following task selected from %s:\n\n%s\n\n"+
		"Write clean code, test it, and ensure it works correctly. Do not edit %s; its status is updated separately.", todoFile, task, todoFile)
}

func commitInstruction(task string) string {
	return fmt.Sprintf("Use git-agent subagent to commit all changes made for the task %q. Use appropriate conventional commit format.", task)
}

func markDoneInstruction(todoFile, task string) string {
	return fmt.Sprintf("Use todo-agent subagent to mark the task %q as completed in %s. Use the appropriate completion format for this project.", task, todoFile)
}
