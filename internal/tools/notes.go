package tools

import (
	"context"
	"strings"

	"github.com/conductorhq/conductor/internal/store"
)

// NoteStore is the slice of the store the note tools need.
type NoteStore interface {
	CreateNote(ctx context.Context, sessionID, text string) (store.Note, error)
	ListNotesBySession(ctx context.Context, sessionID string) ([]store.Note, error)
}

// NotesCreateTool persists a note for the calling session.
type NotesCreateTool struct {
	db NoteStore
}

// NewNotesCreateTool builds the note-creation adapter.
func NewNotesCreateTool(db NoteStore) *NotesCreateTool {
	return &NotesCreateTool{db: db}
}

func (n *NotesCreateTool) Name() string { return "notes.create" }

func (n *NotesCreateTool) Description() string {
	return "Create a note for this session. Args: {\"text\": string}"
}

func (n *NotesCreateTool) Invoke(ctx context.Context, call Call) Result {
	text := strings.TrimSpace(StringArg(call, "text"))
	if text == "" {
		text = strings.TrimSpace(StringArg(call, "content"))
	}
	if text == "" {
		return Failure("text argument is required")
	}
	if call.SessionID == "" {
		return Failure("no session bound to this call")
	}
	note, err := n.db.CreateNote(ctx, call.SessionID, text)
	if err != nil {
		return Failure("create note: %v", err)
	}
	return Succeed(map[string]interface{}{
		"id":         note.ID,
		"text":       note.Text,
		"created_at": note.CreatedAt,
	})
}

// NotesListTool returns the calling session's notes.
type NotesListTool struct {
	db NoteStore
}

// NewNotesListTool builds the note-listing adapter.
func NewNotesListTool(db NoteStore) *NotesListTool {
	return &NotesListTool{db: db}
}

func (n *NotesListTool) Name() string { return "notes.list" }

func (n *NotesListTool) Description() string {
	return "List this session's notes. Args: none"
}

func (n *NotesListTool) Invoke(ctx context.Context, call Call) Result {
	if call.SessionID == "" {
		return Failure("no session bound to this call")
	}
	notes, err := n.db.ListNotesBySession(ctx, call.SessionID)
	if err != nil {
		return Failure("list notes: %v", err)
	}
	items := make([]map[string]interface{}, 0, len(notes))
	for _, note := range notes {
		items = append(items, map[string]interface{}{
			"id":         note.ID,
			"text":       note.Text,
			"created_at": note.CreatedAt,
		})
	}
	return Succeed(map[string]interface{}{"notes": items, "count": len(items)})
}
