package collabkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Reaction is one participant's emoji response to a comment.
type Reaction struct {
	ParticipantID string    `json:"participant_id"`
	Emoji         string    `json:"emoji"`
	ReactedAt     time.Time `json:"reacted_at"`
}

// CommentAnchor pins a comment to a rune range and remembers the text
// that was selected when the comment was written. Anchors do not shift
// when text operations apply, so SelectedText and Context can drift
// from current content; that drift is a documented limitation, not a
// bug.
type CommentAnchor struct {
	Start        int    `json:"start"`
	End          int    `json:"end"`
	SelectedText string `json:"selected_text,omitempty"`
	Context      string `json:"context,omitempty"`
}

// Comment is an annotation anchored to a rune range. Comment state is
// fully independent of document content and versioning.
type Comment struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	ParentID   string        `json:"parent_id,omitempty"`
	AuthorID   string        `json:"author_id"`
	Text       string        `json:"text"`
	Anchor     CommentAnchor `json:"anchor"`
	CreatedAt  time.Time     `json:"created_at"`
	Resolved   bool          `json:"resolved,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	Reactions  []Reaction    `json:"reactions,omitempty"`
}

// Clone returns a deep copy.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	if len(c.Reactions) > 0 {
		out.Reactions = append([]Reaction(nil), c.Reactions...)
	}
	return &out
}

// commentStore owns all comment threads, locked independently of
// document state.
type commentStore struct {
	mu    sync.Mutex
	byDoc map[string]map[string]*Comment
}

func newCommentStore() *commentStore {
	return &commentStore{byDoc: make(map[string]map[string]*Comment)}
}

// put stores a comment after checking its thread parent. First write
// wins: re-adding an existing ID is a no-op so redelivered envelopes
// do not duplicate threads.
func (s *commentStore) put(c *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docComments, ok := s.byDoc[c.DocumentID]
	if !ok {
		docComments = make(map[string]*Comment)
		s.byDoc[c.DocumentID] = docComments
	}
	if _, exists := docComments[c.ID]; exists {
		return nil
	}
	if c.ParentID != "" {
		parent, ok := docComments[c.ParentID]
		if !ok {
			return fmt.Errorf("parent comment %s not found", c.ParentID)
		}
		if parent.DocumentID != c.DocumentID {
			return fmt.Errorf("parent comment %s belongs to another document", c.ParentID)
		}
	}
	docComments[c.ID] = c
	return nil
}

// resolve marks a comment resolved. Resolving twice is a no-op; the
// first resolver sticks.
func (s *commentStore) resolve(documentID, commentID, resolverID string, at time.Time) (*Comment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byDoc[documentID][commentID]
	if !ok {
		return nil, false, fmt.Errorf("comment %s not found", commentID)
	}
	if c.Resolved {
		return c.Clone(), false, nil
	}
	c.Resolved = true
	c.ResolvedBy = resolverID
	c.ResolvedAt = &at
	return c.Clone(), true, nil
}

// react appends a reaction, replacing a prior reaction by the same
// participant with the same emoji.
func (s *commentStore) react(documentID, commentID string, r Reaction) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byDoc[documentID][commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s not found", commentID)
	}
	for i, existing := range c.Reactions {
		if existing.ParticipantID == r.ParticipantID && existing.Emoji == r.Emoji {
			c.Reactions[i] = r
			return c.Clone(), nil
		}
	}
	c.Reactions = append(c.Reactions, r)
	return c.Clone(), nil
}

// list returns a document's comments sorted by creation time, ties by
// ID.
func (s *commentStore) list(documentID string) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	docComments := s.byDoc[documentID]
	out := make([]Comment, 0, len(docComments))
	for _, c := range docComments {
		out = append(out, *c.Clone())
	}
	sortComments(out)
	return out
}

// thread returns the root comment plus its descendants.
func (s *commentStore) thread(documentID, rootID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docComments := s.byDoc[documentID]
	root, ok := docComments[rootID]
	if !ok {
		return nil, fmt.Errorf("comment %s not found", rootID)
	}

	members := map[string]bool{rootID: true}
	out := []Comment{*root.Clone()}
	// Children may be stored in any order; iterate until the
	// transitive closure stops growing.
	for {
		grew := false
		for id, c := range docComments {
			if members[id] || !members[c.ParentID] {
				continue
			}
			members[id] = true
			out = append(out, *c.Clone())
			grew = true
		}
		if !grew {
			break
		}
	}
	sortComments(out)
	return out, nil
}

func (s *commentStore) count(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDoc[documentID])
}

func (s *commentStore) clearDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byDoc, documentID)
}

func sortComments(out []Comment) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// AddComment attaches a comment at the anchor range. Threading goes
// through ParentID: the parent must already exist on the same
// document. Requires comment capability.
func (e *Engine) AddComment(ctx context.Context, documentID, authorID, text string, anchor CommentAnchor, parentID string) (*Comment, error) {
	if err := e.guardClosed(errors.OpComment); err != nil {
		return nil, err
	}
	if authorID == "" {
		return nil, errors.NewValidationError(errors.OpComment, errMissing("author"))
	}
	if text == "" {
		return nil, errors.NewValidationError(errors.OpComment, errMissing("comment text"))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpComment, documentID)
	}

	st.mu.Lock()
	allowed := e.perms.CanPerform(ctx, authorID, st.doc, CapComment)
	content := st.doc.Content
	st.mu.Unlock()
	if !allowed {
		return nil, errors.PermissionDenied(errors.OpComment, authorID, string(CapComment))
	}

	if anchor.SelectedText == "" && anchor.End > anchor.Start {
		runes := []rune(content)
		start, end := clampRange(anchor.Start, anchor.End-anchor.Start, len(runes))
		anchor.SelectedText = string(runes[start:end])
	}

	c := &Comment{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		ParentID:   parentID,
		AuthorID:   authorID,
		Text:       text,
		Anchor:     anchor,
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.comments.put(c); err != nil {
		return nil, errors.NewValidationError(errors.OpComment, err)
	}

	e.publish(Event{
		Type:          EventCommentAdded,
		DocumentID:    documentID,
		ParticipantID: authorID,
		Timestamp:     c.CreatedAt,
		Comment:       c.Clone(),
	})
	e.logger.Debug("Comment added",
		"document_id", documentID,
		"comment_id", c.ID,
		"author_id", authorID,
		"anchor_start", anchor.Start,
		"anchor_end", anchor.End)
	e.broadcast(ctx, wire.KindCommentAdd, documentID, authorID, c)
	return c.Clone(), nil
}

// ResolveComment marks a comment resolved. Resolution is idempotent
// and open to any participant holding comment capability.
func (e *Engine) ResolveComment(ctx context.Context, documentID, commentID, resolverID string) error {
	if err := e.guardClosed(errors.OpComment); err != nil {
		return err
	}
	if resolverID == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("resolver"))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpComment, documentID)
	}

	st.mu.Lock()
	allowed := e.perms.CanPerform(ctx, resolverID, st.doc, CapComment)
	st.mu.Unlock()
	if !allowed {
		return errors.PermissionDenied(errors.OpComment, resolverID, string(CapComment))
	}

	now := e.clock.Now().UTC()
	c, changed, err := e.comments.resolve(documentID, commentID, resolverID, now)
	if err != nil {
		return errors.NotFound(errors.OpComment, commentID)
	}
	if !changed {
		return nil
	}

	e.publish(Event{
		Type:          EventCommentResolved,
		DocumentID:    documentID,
		ParticipantID: resolverID,
		Timestamp:     now,
		Comment:       c,
	})
	e.logger.Debug("Comment resolved",
		"document_id", documentID,
		"comment_id", commentID,
		"resolver_id", resolverID)
	e.broadcast(ctx, wire.KindCommentResolve, documentID, resolverID, &CommentResolveUpdate{
		CommentID:  commentID,
		ResolverID: resolverID,
		ResolvedAt: now,
	})
	return nil
}

// AddReaction records an emoji reaction on a comment. Reacting twice
// with the same emoji replaces the earlier reaction.
func (e *Engine) AddReaction(ctx context.Context, documentID, commentID, participantID, emoji string) error {
	if err := e.guardClosed(errors.OpComment); err != nil {
		return err
	}
	if participantID == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("participant"))
	}
	if emoji == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("emoji"))
	}
	if _, ok := e.store.state(documentID); !ok {
		return errors.NotFound(errors.OpComment, documentID)
	}

	r := Reaction{
		ParticipantID: participantID,
		Emoji:         emoji,
		ReactedAt:     e.clock.Now().UTC(),
	}
	if _, err := e.comments.react(documentID, commentID, r); err != nil {
		return errors.NotFound(errors.OpComment, commentID)
	}

	e.logger.Debug("Reaction added",
		"document_id", documentID,
		"comment_id", commentID,
		"participant_id", participantID,
		"emoji", emoji)
	e.broadcast(ctx, wire.KindCommentReaction, documentID, participantID, &ReactionUpdate{
		CommentID:     commentID,
		ParticipantID: participantID,
		Emoji:         emoji,
		ReactedAt:     r.ReactedAt,
	})
	return nil
}

// Comments returns the document's comments sorted by creation time.
func (e *Engine) Comments(ctx context.Context, documentID string) ([]Comment, error) {
	if err := e.guardClosed(errors.OpComment); err != nil {
		return nil, err
	}
	if _, ok := e.store.state(documentID); !ok {
		return nil, errors.NotFound(errors.OpComment, documentID)
	}
	return e.comments.list(documentID), nil
}

// Thread returns a root comment and all of its descendants.
func (e *Engine) Thread(ctx context.Context, documentID, rootID string) ([]Comment, error) {
	if err := e.guardClosed(errors.OpComment); err != nil {
		return nil, err
	}
	if _, ok := e.store.state(documentID); !ok {
		return nil, errors.NotFound(errors.OpComment, documentID)
	}
	thread, err := e.comments.thread(documentID, rootID)
	if err != nil {
		return nil, errors.NotFound(errors.OpComment, rootID)
	}
	return thread, nil
}

// integrateComment stores a comment announced by another replica.
// Redelivery is absorbed by the first-write-wins rule in the store.
func (e *Engine) integrateComment(c *Comment) error {
	if c == nil || c.ID == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("comment"))
	}
	if _, ok := e.store.state(c.DocumentID); !ok {
		return errors.NotFound(errors.OpComment, c.DocumentID)
	}
	if err := e.comments.put(c.Clone()); err != nil {
		return errors.NewValidationError(errors.OpComment, err)
	}
	e.publish(Event{
		Type:          EventCommentAdded,
		DocumentID:    c.DocumentID,
		ParticipantID: c.AuthorID,
		Timestamp:     c.CreatedAt,
		Comment:       c.Clone(),
	})
	return nil
}

// integrateCommentResolve applies a resolution announced by another
// replica.
func (e *Engine) integrateCommentResolve(documentID string, upd *CommentResolveUpdate) error {
	if upd == nil || upd.CommentID == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("comment ID"))
	}
	c, changed, err := e.comments.resolve(documentID, upd.CommentID, upd.ResolverID, upd.ResolvedAt)
	if err != nil {
		return errors.NotFound(errors.OpComment, upd.CommentID)
	}
	if !changed {
		return nil
	}
	e.publish(Event{
		Type:          EventCommentResolved,
		DocumentID:    documentID,
		ParticipantID: upd.ResolverID,
		Timestamp:     upd.ResolvedAt,
		Comment:       c,
	})
	return nil
}

// integrateReaction applies a reaction announced by another replica.
func (e *Engine) integrateReaction(documentID string, upd *ReactionUpdate) error {
	if upd == nil || upd.CommentID == "" {
		return errors.NewValidationError(errors.OpComment, errMissing("comment ID"))
	}
	r := Reaction{
		ParticipantID: upd.ParticipantID,
		Emoji:         upd.Emoji,
		ReactedAt:     upd.ReactedAt,
	}
	if _, err := e.comments.react(documentID, upd.CommentID, r); err != nil {
		return errors.NotFound(errors.OpComment, upd.CommentID)
	}
	return nil
}
