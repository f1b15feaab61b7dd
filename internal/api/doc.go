// Package api provides the Outbound Request Invoker: single-shot JSON POST
// calls against the echo kernel's HTTP endpoint.
//
// Every request carries the kernel identification header
// (X-Echo-Kernel: deep-tree-v1) and a fresh X-Request-ID. Calls are never
// retried; failures are reported as *RequestError.
package api
