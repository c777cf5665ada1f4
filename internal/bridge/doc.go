// Package bridge is the signed HTTP ingress a connector process uses to feed
// the gateway.
//
// The connector owns the platform session and forwards three kinds of
// notification, each an HMAC-SHA256 signed POST:
//
//	POST /connections/{id}/ready    body: {"labels": ["guild:42"]}
//	POST /connections/{id}/drop     body: empty or {}
//	POST /invocations               body: {"command": "ping", "actor_id": "u1", ...}
//
// The signature covers the raw request body and is sent in the configured
// header, either as "sha256=<hex>" or plain hex. Failed verification always
// answers a generic 403. Bodies larger than max_body_size are refused with 413
// before verification.
//
// Configuration:
//
//	bridge:
//	  enabled: true
//	  listen: "127.0.0.1:8081"
//	  secret: ${SHARDLINE_BRIDGE_SECRET}
//	  signature_header: X-Shardline-Signature
//	  max_body_size: 64KB
package bridge
