package domain

// Command is a user-initiated intent against one session.
type Command struct {
	Kind CommandKind `json:"type"`
	Text string      `json:"text,omitempty"`
	Base string      `json:"base,omitempty"`
}

// SendMessage builds a send_message command.
func SendMessage(text string) Command { return Command{Kind: CommandSendMessage, Text: text} }

// ApprovePlan builds an approve_plan command.
func ApprovePlan() Command { return Command{Kind: CommandApprovePlan} }

// CreateBranch builds a create_branch command.
func CreateBranch(base string) Command { return Command{Kind: CommandCreateBranch, Base: base} }

// CreatePR builds a create_pr command.
func CreatePR(base string) Command { return Command{Kind: CommandCreatePR, Base: base} }

// FetchPatch builds a fetch_patch command.
func FetchPatch() Command { return Command{Kind: CommandFetchPatch} }

// CommandResult is what a successfully executed command hands back to its caller.
type CommandResult struct {
	Command CommandKind `json:"command"`

	// Event is the locally synthesized event, if the command produced one.
	Event   *ActivityEvent `json:"event,omitempty"`
	Publish *PublishResult `json:"publish,omitempty"`
	Patch   *PatchBlob     `json:"patch,omitempty"`
}

// PatchBlob is the fetch_patch payload.
type PatchBlob struct {
	Patch         string   `json:"patch"`
	CommitMessage string   `json:"commitMessage,omitempty"`
	Files         []string `json:"files,omitempty"`
	Instructions  string   `json:"instructions"`
}
