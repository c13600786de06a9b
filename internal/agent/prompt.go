package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/pkg/models"
)

const basePrompt = `You are a project assistant answering questions about one project's milestones, tasks, RAID items, timesheets and expenses.
Use the tools to look data up; never invent records. Refer to records by their reference code and title.
Changes are only proposed by the tools. After proposing one, show the preview and ask the user to confirm; never claim it is done.
If a tool reports several candidates, ask the user which one they mean.`

// systemPrompt renders the system prompt for a session. A configured prompt
// replaces the built-in instructions; the session facts are always added.
func systemPrompt(configured string, session models.SessionContext, now time.Time) string {
	var b strings.Builder
	if strings.TrimSpace(configured) != "" {
		b.WriteString(strings.TrimSpace(configured))
	} else {
		b.WriteString(basePrompt)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Project: %s\n", session.ProjectID)
	fmt.Fprintf(&b, "User role: %s\n", strings.ReplaceAll(string(session.User.Role), "_", " "))
	if name := strings.TrimSpace(session.User.DisplayName); name != "" {
		fmt.Fprintf(&b, "User name: %s\n", name)
	}
	fmt.Fprintf(&b, "Today: %s\n", now.Format("Monday 2006-01-02"))
	return b.String()
}
