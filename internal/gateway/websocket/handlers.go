package websocket

import (
	"context"
	"time"

	"github.com/legionhq/legiond/internal/control"
	"github.com/legionhq/legiond/internal/store"
	"github.com/legionhq/legiond/pkg/wire"
)

// request payloads that only carry identifiers
type idRequest struct {
	ID string `json:"id"`
}

type sessionItemRequest struct {
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id"`
}

type pauseRequest struct {
	ID     string `json:"id"`
	Paused bool   `json:"paused"`
}

type reorderRequest struct {
	ProjectID string   `json:"project_id,omitempty"`
	IDs       []string `json:"ids"`
}

type patchProjectRequest struct {
	ID string `json:"id"`
	control.PatchProjectArgs
}

type patchSessionRequest struct {
	ID string `json:"id"`
	control.PatchSessionArgs
}

type setNameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type setModeRequest struct {
	ID   string `json:"id"`
	Mode store.PermissionMode `json:"mode"`
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	control.SendMessageArgs
}

type messagesRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type legionRequest struct {
	LegionID string `json:"legion_id"`
}

type sendCommRequest struct {
	LegionID string `json:"legion_id"`
	control.SendCommArgs
}

type spawnRequest struct {
	LegionID string `json:"legion_id"`
	control.CreateMinionArgs
}

type disposeRequest struct {
	LegionID  string `json:"legion_id"`
	Name      string `json:"name"`
	Knowledge string `json:"knowledge,omitempty"`
}

type listSessionsRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type patchScheduleRequest struct {
	ID string `json:"id"`
	control.PatchScheduleArgs
}

type updateTemplateRequest struct {
	ID string `json:"id"`
	control.CreateTemplateArgs
}

type patchTimingRequest struct {
	SessionID string     `json:"session_id"`
	ItemID    string     `json:"item_id"`
	NotBefore *time.Time `json:"not_before,omitempty"`
}

type inputCacheRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// handle adapts a typed control call to a wire handler.
func handle[Req any](fn func(ctx context.Context, req Req) (any, error)) wire.HandlerFunc {
	return func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		var req Req
		if err := msg.ParsePayload(&req); err != nil {
			return nil, err
		}
		result, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = map[string]any{"success": true}
		}
		return wire.NewResponse(msg.ID, msg.Action, result)
	}
}

// RegisterHandlers wires every control-surface operation onto the dispatcher.
func RegisterHandlers(d *wire.Dispatcher, ctrl *control.Service, sessions sessionCacheAccess) {
	d.RegisterFunc(wire.ActionHealthCheck, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})

	// Projects
	d.RegisterFunc(wire.ActionProjectCreate, handle(func(ctx context.Context, req control.CreateProjectArgs) (any, error) {
		return ctrl.CreateProject(ctx, req)
	}))
	d.RegisterFunc(wire.ActionProjectList, handle(func(ctx context.Context, _ struct{}) (any, error) {
		return ctrl.ListProjects(ctx), nil
	}))
	d.RegisterFunc(wire.ActionProjectGet, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.GetProject(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionProjectPatch, handle(func(ctx context.Context, req patchProjectRequest) (any, error) {
		return ctrl.PatchProject(ctx, req.ID, req.PatchProjectArgs)
	}))
	d.RegisterFunc(wire.ActionProjectDelete, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.DeleteProject(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionProjectReorder, handle(func(ctx context.Context, req reorderRequest) (any, error) {
		return nil, ctrl.ReorderProjects(ctx, req.IDs)
	}))
	d.RegisterFunc(wire.ActionProjectReorderSessions, handle(func(ctx context.Context, req reorderRequest) (any, error) {
		return nil, ctrl.ReorderSessions(ctx, req.ProjectID, req.IDs)
	}))

	// Sessions
	d.RegisterFunc(wire.ActionSessionCreate, handle(func(ctx context.Context, req control.CreateSessionArgs) (any, error) {
		return ctrl.CreateSession(ctx, req)
	}))
	d.RegisterFunc(wire.ActionSessionGet, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.GetSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionList, handle(func(ctx context.Context, req listSessionsRequest) (any, error) {
		return ctrl.ListSessions(ctx, req.ProjectID), nil
	}))
	d.RegisterFunc(wire.ActionSessionDescendants, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.ListDescendants(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionPatch, handle(func(ctx context.Context, req patchSessionRequest) (any, error) {
		return ctrl.PatchSession(ctx, req.ID, req.PatchSessionArgs)
	}))
	d.RegisterFunc(wire.ActionSessionStart, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.StartSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionPause, handle(func(ctx context.Context, req pauseRequest) (any, error) {
		return nil, ctrl.PauseSession(ctx, req.ID, req.Paused)
	}))
	d.RegisterFunc(wire.ActionSessionTerminate, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.TerminateSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionRestart, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.RestartSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionReset, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.ResetSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionDisconnect, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.DisconnectSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionDelete, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.DeleteSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionSetName, handle(func(ctx context.Context, req setNameRequest) (any, error) {
		return ctrl.SetSessionName(ctx, req.ID, req.Name)
	}))
	d.RegisterFunc(wire.ActionSessionSetMode, handle(func(ctx context.Context, req setModeRequest) (any, error) {
		return nil, ctrl.SetPermissionMode(ctx, req.ID, req.Mode)
	}))
	d.RegisterFunc(wire.ActionSessionSend, handle(func(ctx context.Context, req sendMessageRequest) (any, error) {
		return ctrl.SendMessage(ctx, req.SessionID, req.SendMessageArgs)
	}))
	d.RegisterFunc(wire.ActionSessionMessages, handle(func(ctx context.Context, req messagesRequest) (any, error) {
		return ctrl.GetMessages(ctx, req.SessionID, req.Limit, req.Offset)
	}))
	d.RegisterFunc(wire.ActionSessionInterrupt, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.InterruptSession(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSessionInputCacheGet, handle(func(ctx context.Context, req inputCacheRequest) (any, error) {
		text, err := sessions.GetInputCache(req.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	}))
	d.RegisterFunc(wire.ActionSessionInputCacheSet, handle(func(ctx context.Context, req inputCacheRequest) (any, error) {
		return nil, sessions.SetInputCache(req.SessionID, req.Text)
	}))

	// Queue
	d.RegisterFunc(wire.ActionQueueList, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.ListQueue(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionQueueCancel, handle(func(ctx context.Context, req sessionItemRequest) (any, error) {
		return nil, ctrl.CancelQueueItem(ctx, req.SessionID, req.ItemID)
	}))
	d.RegisterFunc(wire.ActionQueueRequeue, handle(func(ctx context.Context, req sessionItemRequest) (any, error) {
		return nil, ctrl.RequeueItem(ctx, req.SessionID, req.ItemID)
	}))
	d.RegisterFunc(wire.ActionQueueClear, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.ClearQueue(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionQueuePatchTiming, handle(func(ctx context.Context, req patchTimingRequest) (any, error) {
		return nil, ctrl.PatchQueueTiming(ctx, req.SessionID, req.ItemID, req.NotBefore)
	}))

	// Permissions
	d.RegisterFunc(wire.ActionPermissionRespond, handle(func(ctx context.Context, req control.RespondPermissionArgs) (any, error) {
		return nil, ctrl.RespondPermission(ctx, req)
	}))
	d.RegisterFunc(wire.ActionPermissionList, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.ListPendingPermissions(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionPermissionPreview, handle(func(ctx context.Context, req control.PreviewPermissionsArgs) (any, error) {
		return ctrl.PreviewEffectivePermissions(ctx, req)
	}))

	// Legion
	d.RegisterFunc(wire.ActionLegionMinions, handle(func(ctx context.Context, req legionRequest) (any, error) {
		return ctrl.ListMinions(ctx, req.LegionID)
	}))
	d.RegisterFunc(wire.ActionLegionHierarchy, handle(func(ctx context.Context, req legionRequest) (any, error) {
		return ctrl.GetHierarchy(ctx, req.LegionID)
	}))
	d.RegisterFunc(wire.ActionLegionSendComm, handle(func(ctx context.Context, req sendCommRequest) (any, error) {
		return ctrl.SendComm(ctx, req.LegionID, req.SendCommArgs)
	}))
	d.RegisterFunc(wire.ActionLegionHaltAll, handle(func(ctx context.Context, req legionRequest) (any, error) {
		return nil, ctrl.HaltAll(ctx, req.LegionID)
	}))
	d.RegisterFunc(wire.ActionLegionResumeAll, handle(func(ctx context.Context, req legionRequest) (any, error) {
		return nil, ctrl.ResumeAll(ctx, req.LegionID)
	}))
	d.RegisterFunc(wire.ActionLegionSpawn, handle(func(ctx context.Context, req spawnRequest) (any, error) {
		return ctrl.CreateMinion(ctx, req.LegionID, req.CreateMinionArgs)
	}))
	d.RegisterFunc(wire.ActionLegionDispose, handle(func(ctx context.Context, req disposeRequest) (any, error) {
		return nil, ctrl.DisposeMinion(ctx, req.LegionID, req.Name, req.Knowledge)
	}))

	// Schedules
	d.RegisterFunc(wire.ActionScheduleCreate, handle(func(ctx context.Context, req control.CreateScheduleArgs) (any, error) {
		return ctrl.CreateSchedule(ctx, req)
	}))
	d.RegisterFunc(wire.ActionScheduleList, handle(func(ctx context.Context, req legionRequest) (any, error) {
		return ctrl.ListSchedules(ctx, req.LegionID), nil
	}))
	d.RegisterFunc(wire.ActionScheduleGet, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.GetSchedule(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionSchedulePatch, handle(func(ctx context.Context, req patchScheduleRequest) (any, error) {
		return ctrl.PatchSchedule(ctx, req.ID, req.PatchScheduleArgs)
	}))
	d.RegisterFunc(wire.ActionSchedulePause, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.PauseSchedule(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionScheduleResume, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.ResumeSchedule(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionScheduleCancel, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.CancelSchedule(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionScheduleDelete, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.DeleteSchedule(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionScheduleHistory, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.ListScheduleHistory(ctx, req.ID)
	}))

	// Templates
	d.RegisterFunc(wire.ActionTemplateCreate, handle(func(ctx context.Context, req control.CreateTemplateArgs) (any, error) {
		return ctrl.CreateTemplate(ctx, req)
	}))
	d.RegisterFunc(wire.ActionTemplateGet, handle(func(ctx context.Context, req idRequest) (any, error) {
		return ctrl.GetTemplate(ctx, req.ID)
	}))
	d.RegisterFunc(wire.ActionTemplateList, handle(func(ctx context.Context, _ struct{}) (any, error) {
		return ctrl.ListTemplates(ctx), nil
	}))
	d.RegisterFunc(wire.ActionTemplateUpdate, handle(func(ctx context.Context, req updateTemplateRequest) (any, error) {
		return ctrl.UpdateTemplate(ctx, req.ID, req.CreateTemplateArgs)
	}))
	d.RegisterFunc(wire.ActionTemplateDelete, handle(func(ctx context.Context, req idRequest) (any, error) {
		return nil, ctrl.DeleteTemplate(ctx, req.ID)
	}))
}

// sessionCacheAccess exposes the per-session draft input buffer to the
// transport without widening the control surface.
type sessionCacheAccess interface {
	GetInputCache(sessionID string) (string, error)
	SetInputCache(sessionID, text string) error
}
