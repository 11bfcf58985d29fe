package domain

// CommandDef describes a slash command available to chat users.
type CommandDef struct {
	Name        string
	Description string
	Group       string // display group for /help
	AdminOnly   bool
}

// CommandDefs is the single source of truth for all slash commands.
var CommandDefs = []CommandDef{
	// Conversation
	{Name: "/start", Description: "welcome message", Group: "general"},
	{Name: "/help", Description: "show this help", Group: "general"},
	{Name: "/whoami", Description: "show your id and role", Group: "general"},
	{Name: "/new", Description: "forget the conversation history", Group: "general"},
	// Reminders
	{Name: "/cron", Description: "add a reminder, e.g. /cron domani alle 9 \"Team sync\"", Group: "cron"},
	{Name: "/cron list", Description: "list your reminders", Group: "cron"},
	{Name: "/cron cancel", Description: "cancel a reminder by id", Group: "cron"},
	// Models
	{Name: "/provider", Description: "show or pick your model provider", Group: "models"},
	{Name: "/provider list", Description: "list the configured providers", Group: "models"},
	{Name: "/model", Description: "show or pick your model", Group: "models"},
	// Administration
	{Name: "/admin list", Description: "show admins, users and readonly ids", Group: "admin", AdminOnly: true},
	{Name: "/admin add", Description: "grant user access", Group: "admin", AdminOnly: true},
	{Name: "/admin remove", Description: "revoke access", Group: "admin", AdminOnly: true},
	{Name: "/admin promote", Description: "make a user admin", Group: "admin", AdminOnly: true},
	{Name: "/admin demote", Description: "make an admin a user", Group: "admin", AdminOnly: true},
	{Name: "/admin tools", Description: "manage the tools users may call", Group: "admin", AdminOnly: true},
	{Name: "/exec", Description: "run an allowlisted host command", Group: "admin", AdminOnly: true},
	{Name: "/mcp", Description: "show MCP server status", Group: "admin", AdminOnly: true},
	{Name: "/tools", Description: "list the runtime tools", Group: "admin", AdminOnly: true},
}

// CommandHelp returns the commands visible to a sender with the given role.
func CommandHelp(role Role) []CommandDef {
	var cmds []CommandDef
	for _, c := range CommandDefs {
		if c.AdminOnly && role != RoleAdmin {
			continue
		}
		cmds = append(cmds, c)
	}
	return cmds
}

// CommandGroups defines the display order and labels for help groups.
var CommandGroups = []struct {
	Key   string
	Label string
}{
	{"general", "General"},
	{"cron", "Reminders"},
	{"models", "Models"},
	{"admin", "Admin"},
}
