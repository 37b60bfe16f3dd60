// ABOUTME: Transport-agnostic request envelope passed through pipeline stages
// ABOUTME: Carries the raw authorization header, client IP, route and resolved identity

package pipeline

import (
	"github.com/vrme/vrme-gateway/internal/auth"
)

// Route describes the operation a request targets.
type Route struct {
	Name         string
	RequiresAuth bool
}

// Control operations. All of them require authentication.
var (
	RouteCreateSession  = Route{Name: "CreateSession", RequiresAuth: true}
	RouteJoinSession    = Route{Name: "JoinSession", RequiresAuth: true}
	RouteSubscribe      = Route{Name: "Subscribe", RequiresAuth: true}
	RouteUnsubscribe    = Route{Name: "Unsubscribe", RequiresAuth: true}
	RouteBroadcast      = Route{Name: "Broadcast", RequiresAuth: true}
	RouteLeaveSession   = Route{Name: "LeaveSession", RequiresAuth: true}
	RouteDestroySession = Route{Name: "DestroySession", RequiresAuth: true}

	// RouteGetSession is public and limited per client IP.
	RouteGetSession = Route{Name: "GetSession"}
)

// Request is the input to a pipeline run.
type Request struct {
	Route Route
	// Authorization is the raw "Bearer <token>" header or metadata value.
	Authorization string
	RemoteIP      string
	// Identity is set by the auth stage.
	Identity auth.Identity
}
