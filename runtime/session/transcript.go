package session

import (
	"goa.design/sidekick/runtime/model"
)

// Transcript flattens a session snapshot into the neutral message sequence
// sent to providers. Ledger parts map onto transcript parts; completed tool
// parts additionally synthesize the user-role tool-result message providers
// expect after an assistant tool-use turn. Step markers never reach the wire.
func Transcript(sess *Session) []*model.Message {
	if sess == nil || len(sess.Messages) == 0 {
		return nil
	}
	out := make([]*model.Message, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		role := model.RoleUser
		if msg.Role == "assistant" {
			role = model.RoleAssistant
		}
		converted := &model.Message{Role: role}
		var results []model.Part
		for _, p := range msg.Parts {
			switch p.Kind {
			case KindText:
				if p.Text != "" {
					converted.Parts = append(converted.Parts, model.TextPart{Text: p.Text})
				}
			case KindReasoning:
				if p.Text != "" {
					converted.Parts = append(converted.Parts, model.ReasoningPart{Text: p.Text})
				}
			case KindFile:
				if p.File != nil {
					converted.Parts = append(converted.Parts, model.FilePart{
						MimeType: p.File.MimeType,
						Name:     p.File.Name,
						Data:     p.File.Data,
					})
				}
			case KindTool:
				if p.State == nil {
					continue
				}
				converted.Parts = append(converted.Parts, model.ToolUsePart{
					ID:    p.CallID,
					Name:  p.Tool,
					Input: p.State.Input,
				})
				switch p.State.Status {
				case StatusCompleted:
					results = append(results, model.ToolResultPart{
						ToolUseID: p.CallID,
						Content:   p.State.Output,
					})
				case StatusError, StatusAborted:
					content := p.State.Error
					if content == "" {
						content = "tool execution failed"
					}
					results = append(results, model.ToolResultPart{
						ToolUseID: p.CallID,
						Content:   content,
						IsError:   true,
					})
				}
			case KindStepStart, KindStepFinish:
				// Step boundaries are engine bookkeeping.
			}
		}
		if len(converted.Parts) > 0 {
			out = append(out, converted)
		}
		if len(results) > 0 {
			out = append(out, &model.Message{Role: model.RoleUser, Parts: results})
		}
	}
	return out
}
