package correlate

import "strings"

// appMarkers maps on-screen markers to canonical application names, checked
// in order so more specific markers win.
var appMarkers = []struct {
	marker string
	name   string
}{
	{"visual studio code", "VS Code"},
	{"vscode", "VS Code"},
	{"intellij", "IntelliJ IDEA"},
	{"pycharm", "PyCharm"},
	{"goland", "GoLand"},
	{"github.com", "GitHub"},
	{"gitlab.com", "GitLab"},
	{"stack overflow", "Stack Overflow"},
	{"stackoverflow", "Stack Overflow"},
	{"jira", "Jira"},
	{"confluence", "Confluence"},
	{"notion.so", "Notion"},
	{"figma", "Figma"},
	{"slack", "Slack"},
	{"discord", "Discord"},
	{"microsoft teams", "Microsoft Teams"},
	{"zoom meeting", "Zoom"},
	{"gmail", "Gmail"},
	{"outlook", "Outlook"},
	{"google docs", "Google Docs"},
	{"google sheets", "Google Sheets"},
	{"excel", "Excel"},
	{"powerpoint", "PowerPoint"},
	{"terminal", "Terminal"},
	{"postman", "Postman"},
	{"docker", "Docker"},
	{"youtube", "YouTube"},
	{"chrome", "Chrome"},
	{"firefox", "Firefox"},
	{"safari", "Safari"},
}

// DetectApplication scans extracted screen text for known application
// markers. It is a cheap local fallback when the classifier does not name
// one; empty string means nothing recognizable.
func DetectApplication(text string) string {
	lowered := strings.ToLower(text)
	for _, entry := range appMarkers {
		if strings.Contains(lowered, entry.marker) {
			return entry.name
		}
	}
	return ""
}
