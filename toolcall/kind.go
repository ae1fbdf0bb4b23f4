package toolcall

import "github.com/m4xw311/acprelay/protocol"

// kinds maps built-in tool names to the client-facing taxonomy.
var kinds = map[string]protocol.ToolKind{
	"read_file":       protocol.KindRead,
	"list_dir":        protocol.KindRead,
	"write_file":      protocol.KindEdit,
	"edit_file":       protocol.KindEdit,
	"delete_file":     protocol.KindDelete,
	"move_file":       protocol.KindMove,
	"execute_command": protocol.KindExecute,
	"search":          protocol.KindSearch,
	"think":           protocol.KindThink,
	"fetch":           protocol.KindFetch,
}

// KindFor returns the kind of a tool name; unknown names are KindOther.
func KindFor(toolName string) protocol.ToolKind {
	if k, ok := kinds[toolName]; ok {
		return k
	}
	return protocol.KindOther
}

// ReadOnly reports whether calls of kind k leave the workspace unchanged.
func ReadOnly(k protocol.ToolKind) bool {
	switch k {
	case protocol.KindRead, protocol.KindSearch, protocol.KindThink, protocol.KindFetch:
		return true
	}
	return false
}
