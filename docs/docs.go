// Package docs registers the OpenAPI spec served at /docs/doc.json.
// Regenerate with `swag init -g cmd/api/main.go` after changing handler
// annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {"name": "FareLens"},
        "license": {"name": "MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "paths": {
        "/": {
            "get": {
                "tags": ["meta"],
                "summary": "API root info",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/health": {
            "get": {
                "tags": ["health"],
                "summary": "Health check",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/health/db": {
            "get": {
                "tags": ["health"],
                "summary": "Database health check",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object"}}
                }
            }
        },
        "/api/v1/scan": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["scan"],
                "summary": "Run a scan cycle",
                "description": "Runs one alert scan cycle and returns its ScanResult. Requires a service-role token.",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/alerts.ScanResult"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alerts/quota": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["alerts"],
                "summary": "Get today's alert quota",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.quotaResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alerts/history": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["alerts"],
                "summary": "Get alert history",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "description": "Page number (1-based, max 10000)", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size (max 100)", "name": "per_page", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alerts/register": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["alerts"],
                "summary": "Register device for push",
                "description": "Re-registering a device_id with a new token retires the old token.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"description": "Device registration", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/handler.registerRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handler.registerResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alerts/{id}/click": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["alerts"],
                "summary": "Mark alert clicked",
                "parameters": [
                    {"type": "string", "description": "Alert record id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alert-preferences": {
            "put": {
                "security": [{"BearerAuth": []}],
                "tags": ["preferences"],
                "summary": "Update alert preferences",
                "description": "Omitted fields keep their current values. Watchlist-only mode requires a tier that offers it.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"description": "Alert preferences", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/alerts.Preferences"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/alerts.Preferences"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/alert-preferences/airports": {
            "put": {
                "security": [{"BearerAuth": []}],
                "tags": ["preferences"],
                "summary": "Update preferred airports",
                "description": "Weights must sum to 1.0 (±0.001) and the count must fit the caller's tier.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"description": "Preferred airports", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/handler.airportsRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.airportsRequest"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "alerts.AirportWeight": {
            "type": "object",
            "properties": {
                "iata": {"type": "string"},
                "weight": {"type": "number"}
            }
        },
        "alerts.Preferences": {
            "type": "object",
            "properties": {
                "alerts_enabled": {"type": "boolean"},
                "quiet_hours_enabled": {"type": "boolean"},
                "quiet_hours_start": {"type": "integer"},
                "quiet_hours_end": {"type": "integer"},
                "timezone": {"type": "string"},
                "watchlist_only_mode": {"type": "boolean"}
            }
        },
        "handler.registerRequest": {
            "type": "object",
            "properties": {
                "device_id": {"type": "string"},
                "token": {"type": "string"},
                "platform": {"type": "string", "enum": ["ios", "android", "web", "telegram"]}
            }
        },
        "handler.registerResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "alerts.Dispatch": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "deal_id": {"type": "string"},
                "family_key": {"type": "string"},
                "final_score": {"type": "number"},
                "slot": {"type": "string"},
                "outcome": {"type": "string"},
                "reason": {"type": "string"}
            }
        },
        "alerts.Cursor": {
            "type": "object",
            "properties": {
                "created_at": {"type": "string"},
                "deal_id": {"type": "string"}
            }
        },
        "alerts.ScanResult": {
            "type": "object",
            "properties": {
                "run_id": {"type": "string"},
                "phase": {"type": "string"},
                "deals_fetched": {"type": "integer"},
                "deferrals_claimed": {"type": "integer"},
                "candidates": {"type": "integer"},
                "delivered": {"type": "integer"},
                "overrides_used": {"type": "integer"},
                "deferred": {"type": "integer"},
                "retry_queued": {"type": "integer"},
                "suppressed_dedup": {"type": "integer"},
                "suppressed_quota": {"type": "integer"},
                "skipped": {"type": "integer"},
                "failed": {"type": "integer"},
                "expired": {"type": "integer"},
                "unresolved": {"type": "integer"},
                "watermark_from": {"$ref": "#/definitions/alerts.Cursor"},
                "watermark_to": {"$ref": "#/definitions/alerts.Cursor"},
                "watermark_advanced": {"type": "boolean"},
                "deadline_exceeded": {"type": "boolean"},
                "duration": {"type": "integer"},
                "errors": {"type": "array", "items": {"type": "string"}},
                "dispatches": {"type": "array", "items": {"$ref": "#/definitions/alerts.Dispatch"}}
            }
        },
        "handler.airportsRequest": {
            "type": "object",
            "properties": {
                "airports": {"type": "array", "items": {"$ref": "#/definitions/alerts.AirportWeight"}}
            }
        },
        "handler.quotaResponse": {
            "type": "object",
            "properties": {
                "day": {"type": "string"},
                "used": {"type": "integer"},
                "cap": {"type": "integer"},
                "override_used": {"type": "integer"},
                "override_cap": {"type": "integer"},
                "tier": {"type": "string"},
                "remaining": {"type": "integer"},
                "overrides_left": {"type": "integer"}
            }
        },
        "respond.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "message": {"type": "string"},
                        "detail": {"type": "string"}
                    }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "FareLens Alerts API",
	Description:      "Smart alert queue for flight-deal push notifications: scan trigger, quota, history, click tracking and preferred airports.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
