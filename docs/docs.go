// Package docs registers the HTTP API description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "paths": {
        "/webhooks/chain-deposit": {
            "post": {
                "tags": ["deposits"],
                "summary": "Ingest a signed deposit notification",
                "parameters": [
                    {"type": "string", "name": "X-Webhook-Signature", "in": "header", "required": true}
                ],
                "responses": {"200": {"description": "queued, duplicate or ignored"}, "400": {"description": "malformed payload"}, "401": {"description": "bad signature"}}
            }
        },
        "/balances": {
            "get": {"tags": ["balances"], "security": [{"BearerAuth": []}], "summary": "Caller balances", "responses": {"200": {"description": "OK"}}}
        },
        "/deposit-address": {
            "get": {"tags": ["deposits"], "security": [{"BearerAuth": []}], "summary": "Caller deposit address", "responses": {"200": {"description": "OK"}, "404": {"description": "not assigned"}}},
            "post": {"tags": ["deposits"], "security": [{"BearerAuth": []}], "summary": "Assign a deposit address", "responses": {"200": {"description": "OK"}, "429": {"description": "rate limited"}}}
        },
        "/withdrawals": {
            "get": {"tags": ["withdrawals"], "security": [{"BearerAuth": []}], "summary": "List caller withdrawals", "responses": {"200": {"description": "OK"}}},
            "post": {
                "tags": ["withdrawals"],
                "security": [{"BearerAuth": []}],
                "summary": "Request a withdrawal",
                "parameters": [
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateWithdrawalRequest"}}
                ],
                "responses": {"201": {"description": "PENDING"}, "400": {"description": "invalid amount, address or limit exceeded"}, "409": {"description": "insufficient balance or key reused"}}
            }
        },
        "/withdrawals/quote": {
            "get": {
                "tags": ["withdrawals"],
                "security": [{"BearerAuth": []}],
                "summary": "Fee quote",
                "parameters": [
                    {"type": "string", "name": "token", "in": "query", "required": true},
                    {"type": "string", "name": "amount", "in": "query", "required": true}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/withdrawals/{id}": {
            "get": {"tags": ["withdrawals"], "security": [{"BearerAuth": []}], "summary": "Get a caller withdrawal", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "not found"}}}
        },
        "/admin/withdrawals": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "List withdrawals by status", "parameters": [{"type": "string", "name": "status", "in": "query"}], "responses": {"200": {"description": "OK"}}}
        },
        "/admin/withdrawals/{id}/approve": {
            "post": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Approve a pending withdrawal", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "APPROVED"}, "409": {"description": "invalid status"}}}
        },
        "/admin/withdrawals/{id}/reject": {
            "post": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Reject a pending withdrawal", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "REJECTED"}, "400": {"description": "invalid reason"}, "409": {"description": "invalid status"}}}
        },
        "/admin/withdrawals/{id}/retry": {
            "post": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Retry a recoverable failure", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "APPROVED"}, "409": {"description": "retry not allowed"}}}
        },
        "/admin/collections": {
            "post": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Start a batch collection sweep", "responses": {"202": {"description": "started"}, "409": {"description": "already running"}}}
        },
        "/admin/collections/preview": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Preview a sweep", "parameters": [{"type": "string", "name": "token", "in": "query", "required": true}], "responses": {"200": {"description": "OK"}}}
        },
        "/admin/collections/progress": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Current sweep progress", "responses": {"200": {"description": "OK"}}}
        },
        "/admin/collections/history": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Past sweep records", "responses": {"200": {"description": "OK"}}}
        },
        "/admin/deposits/jobs/parked": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Parked deposit jobs", "responses": {"200": {"description": "OK"}}}
        },
        "/admin/deposits/jobs/{id}/requeue": {
            "post": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Requeue a parked job", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}
        },
        "/admin/deposits/metrics": {
            "get": {"tags": ["admin"], "security": [{"BearerAuth": []}], "summary": "Deposit queue counts", "responses": {"200": {"description": "OK"}}}
        }
    },
    "definitions": {
        "CreateWithdrawalRequest": {
            "type": "object",
            "required": ["token_symbol", "amount", "destination_address"],
            "properties": {
                "token_symbol": {"type": "string", "example": "USDT"},
                "amount": {"type": "string", "example": "25.5"},
                "destination_address": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Settlement Service API",
	Description:      "Custodial balances, deposit ingestion, withdrawals and collection sweeps.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
