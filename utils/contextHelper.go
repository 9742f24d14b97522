package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/collections_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyCycleId       = appctx.ContextKeyCycleId
	ContextKeyIsAdmin       = appctx.ContextKeyIsAdmin
)

// ActorSystem is recorded on audit events written by the unattended cycle.
const ActorSystem = "System"

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetCycleIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCycleId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetCycleIdInContext(ctx context.Context, cycleId string) context.Context {
	return appctx.Set(ctx, ContextKeyCycleId, cycleId)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

// ActorFromContext returns the operator name for audit events, or ActorSystem.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ActorSystem
	}
	if name, ok := GetUserNameFromContext(ctx); ok && name != "" {
		return name
	}
	return ActorSystem
}

// CycleIdFromContext returns the cycle id or "" when the work is not part of a cycle.
func CycleIdFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := GetCycleIdFromContext(ctx)
	return v
}
