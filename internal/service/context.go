package service

import (
	"context"

	"expflow/pkg/constraints"
)

type contextKey string

const (
	operatorKey contextKey = "operator"
	traceKey    contextKey = "trace_id"
)

const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleOwner    = "owner"
)

// OperatorInfo defines the structured identity of a user
type OperatorInfo struct {
	UserID string
	Name   string
	Role   string
}

// WithOperator injects the operator info into the context
func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// GetOperatorInfo retrieves the operator info from the context
func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	val, ok := ctx.Value(operatorKey).(*OperatorInfo)
	if !ok {
		return nil
	}
	return val
}

// GetOperator returns the acting username, or the system actor for
// scheduler-driven calls.
func GetOperator(ctx context.Context) string {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return constraints.SystemActor
	}
	return op.Name
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey).(string)
	return id
}
