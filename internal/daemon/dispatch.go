package daemon

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/winter-ide/winter-auth/internal/authenticator"
	"github.com/winter-ide/winter-auth/internal/backend"
	"github.com/winter-ide/winter-auth/internal/ipc"
	"github.com/winter-ide/winter-auth/internal/oauth"
	"github.com/winter-ide/winter-auth/internal/pending"
	"github.com/winter-ide/winter-auth/internal/session"
)

// handle serves one IPC request. Failures are reported in the response with
// an error kind, never as a handler error.
func (d *Daemon) handle(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	switch req.Command {
	case ipc.CommandSignIn:
		rec, err := d.auth.StartSignIn(ctx, req.Scopes)
		if err != nil {
			return failure(err), nil
		}
		return sessionResponse(rec), nil

	case ipc.CommandRedirect:
		if strings.TrimSpace(req.URL) == "" {
			return ipc.Failure(ipc.KindBadRequest, "redirect URL is required"), nil
		}
		if err := d.auth.DeliverRedirect(ctx, req.URL); err != nil {
			return failure(err), nil
		}
		return ipc.OK(), nil

	case ipc.CommandCancel:
		if req.State == "" {
			return ipc.Failure(ipc.KindBadRequest, "state is required"), nil
		}
		if err := d.auth.Cancel(req.State); err != nil {
			return failure(err), nil
		}
		return ipc.OK(), nil

	case ipc.CommandPending:
		resp := ipc.OK()
		for _, p := range d.auth.Pending() {
			resp.Pending = append(resp.Pending, ipc.PendingInfo{
				State:     p.State,
				CreatedAt: p.CreatedAt,
				ExpiresAt: p.ExpiresAt,
			})
		}
		return resp, nil

	case ipc.CommandSessions:
		records, err := d.auth.Sessions(ctx, req.Scopes)
		if err != nil {
			return failure(err), nil
		}
		resp := ipc.OK()
		for i := range records {
			resp.Sessions = append(resp.Sessions, sessionInfo(&records[i]))
		}
		return resp, nil

	case ipc.CommandSession:
		var (
			rec *session.Record
			err error
		)
		if req.SessionID != "" {
			rec, err = d.auth.Session(ctx, req.SessionID)
		} else {
			rec, err = d.auth.GetSession(ctx, req.Scopes, req.CreateIfNone)
		}
		if err != nil {
			return failure(err), nil
		}
		return sessionResponse(rec), nil

	case ipc.CommandRemoveSession:
		return d.removeSession(ctx, req.SessionID), nil

	case ipc.CommandProfile:
		p, err := d.auth.Profile(ctx, req.SessionID)
		if err != nil {
			return failure(err), nil
		}
		resp := ipc.OK()
		resp.Profile = &ipc.ProfileInfo{ID: p.ID, Name: p.Name, Email: p.Email, Avatar: p.Avatar}
		return resp, nil

	case ipc.CommandCredits:
		rec, err := d.auth.Session(ctx, req.SessionID)
		if err != nil {
			return failure(err), nil
		}
		credits, err := d.backend.Credits(ctx, rec.AccessToken)
		if err != nil {
			return failure(err), nil
		}
		resp := ipc.OK()
		resp.Credits = credits
		return resp, nil

	case ipc.CommandChat:
		if strings.TrimSpace(req.Message) == "" {
			return ipc.Failure(ipc.KindBadRequest, "message is required"), nil
		}
		rec, err := d.auth.Session(ctx, req.SessionID)
		if err != nil {
			return failure(err), nil
		}
		reply, err := d.backend.Chat(ctx, rec.AccessToken, req.Message, nil)
		if err != nil {
			return failure(err), nil
		}
		resp := ipc.OK()
		resp.Reply = reply
		return resp, nil

	case ipc.CommandStatus:
		records, err := d.auth.Sessions(ctx, nil)
		if err != nil {
			return failure(err), nil
		}
		resp := ipc.OK()
		resp.Daemon = &ipc.DaemonStatus{
			Version:       d.version,
			Pending:       d.auth.PendingCount(),
			Sessions:      len(records),
			AccountPolicy: d.store.Policy(),
			Storage:       d.cfg.Storage.Backend,
		}
		return resp, nil

	default:
		return ipc.Failure(ipc.KindBadRequest, "unknown command: "+string(req.Command)), nil
	}
}

// removeSession deletes the session with the given id, or the first stored
// session when id is empty.
func (d *Daemon) removeSession(ctx context.Context, id string) *ipc.Response {
	if id == "" {
		rec, err := d.auth.Session(ctx, "")
		if err != nil {
			return failure(err)
		}
		id = rec.ID
	}

	removed, err := d.auth.RemoveSession(ctx, id)
	if err != nil {
		return failure(err)
	}
	if !removed {
		return ipc.Failure(ipc.KindNoSession, authenticator.ErrNoSession.Error())
	}

	resp := ipc.OK()
	resp.Removed = true
	return resp
}

func sessionInfo(rec *session.Record) ipc.SessionInfo {
	return ipc.SessionInfo{
		ID:           rec.ID,
		AccountID:    rec.Account.ID,
		AccountLabel: rec.Account.Label,
		Email:        rec.Profile.Email,
		Scopes:       rec.Scopes,
	}
}

func sessionResponse(rec *session.Record) *ipc.Response {
	info := sessionInfo(rec)
	resp := ipc.OK()
	resp.Session = &info
	return resp
}

func failure(err error) *ipc.Response {
	kind := errorKind(err)
	if kind == ipc.KindInternal {
		slog.Error("IPC request failed", "error", err)
	}
	return ipc.Failure(kind, err.Error())
}

// errorKind classifies err for IPC clients.
func errorKind(err error) string {
	var (
		launchErr  *authenticator.LaunchError
		authErr    *authenticator.AuthorizationError
		tokenErr   *oauth.TokenExchangeError
		profileErr *oauth.ProfileFetchError
		apiErr     *backend.APIError
	)

	switch {
	case errors.Is(err, authenticator.ErrSignInCancelled):
		return ipc.KindCancelled
	case errors.Is(err, authenticator.ErrSignInTimeout):
		return ipc.KindTimeout
	case errors.Is(err, authenticator.ErrInvalidAttempt), errors.Is(err, pending.ErrUnknownState):
		return ipc.KindInvalidAttempt
	case errors.Is(err, authenticator.ErrMalformedCallback):
		return ipc.KindMalformedCallback
	case errors.Is(err, authenticator.ErrNoSession):
		return ipc.KindNoSession
	case errors.As(err, &launchErr):
		return ipc.KindLaunch
	case errors.As(err, &authErr):
		return ipc.KindAuthorizationDenied
	case errors.As(err, &tokenErr):
		return ipc.KindTokenExchange
	case errors.As(err, &profileErr):
		return ipc.KindProfileFetch
	case errors.As(err, &apiErr):
		return ipc.KindUpstream
	case errors.Is(err, context.Canceled):
		return ipc.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ipc.KindTimeout
	default:
		return ipc.KindInternal
	}
}
