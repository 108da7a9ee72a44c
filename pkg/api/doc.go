/*
Package api exposes the control plane over HTTP.

Two audiences share the surface. Operators create, inspect, cancel and
plan sessions under /v1/sessions; node agents report transfer lifecycle
through the callback routes nested under each session. Events stream to
watchers as server-sent events on /v1/events.

Error mapping is uniform: validation problems are 400, missing records
404, state-machine rejections and outcome conflicts 409, infeasible
resize plans 422. Conflict responses carry the current state in the error
message so an agent can resynchronize after a duplicate callback.
*/
package api
