// Package docs registers the OpenAPI description of the bridge with swag so
// gin-swagger can serve it under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/instruments": {
            "get": {
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "List the address table",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Describe one instrument",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "400": {"description": "Unknown instrument", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}/send": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Write a command without reading",
                "parameters": [
                    {"$ref": "#/parameters/id"},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/handler.CommandRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "502": {"description": "Connection or transport failure", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "504": {"description": "Timeout", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}/query": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Write a command and read the response",
                "parameters": [
                    {"$ref": "#/parameters/id"},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/handler.CommandRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/utils.APIResponse"}, {"type": "object", "properties": {"data": {"$ref": "#/definitions/handler.QueryResult"}}}]}},
                    "422": {"description": "Response cannot be coerced", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "504": {"description": "Timeout", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}/block": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Query an IEEE 488.2 definite-length block",
                "description": "Non-finite float samples are returned as null.",
                "parameters": [
                    {"$ref": "#/parameters/id"},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/handler.BlockRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/utils.APIResponse"}, {"type": "object", "properties": {"data": {"$ref": "#/definitions/handler.BlockResult"}}}]}},
                    "422": {"description": "Malformed block", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Serial poll the status byte (GPIB and USB)",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/utils.APIResponse"}, {"type": "object", "properties": {"data": {"$ref": "#/definitions/handler.StatusResult"}}}]}},
                    "400": {"description": "Not supported by the transport", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/instruments/{id}/local": {
            "post": {
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Return the instrument to local control",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/instruments/{id}/clear": {
            "post": {
                "produces": ["application/json"],
                "tags": ["instruments"],
                "summary": "Send a device clear",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/instruments/{id}/identify": {
            "get": {
                "produces": ["application/json"],
                "tags": ["driver"],
                "summary": "Parse the *IDN? response",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/instruments/{id}/errors": {
            "get": {
                "produces": ["application/json"],
                "tags": ["driver"],
                "summary": "Drain the SYST:ERR? queue",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/instruments/{id}/session": {
            "delete": {
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Close the open session",
                "parameters": [{"$ref": "#/parameters/id"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/sessions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "List sessions with transfer statistics",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/discovery/scan": {
            "get": {
                "produces": ["application/json"],
                "tags": ["discovery"],
                "summary": "Scan for serial, USB and LAN instruments",
                "parameters": [
                    {"in": "query", "name": "type", "type": "string", "default": "all", "enum": ["all", "serial", "usb", "lan"], "description": "Only run this scanner"},
                    {"in": "query", "name": "timeout", "type": "string", "default": "30s", "description": "Scan timeout as a Go duration"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/discovery/scanners": {
            "get": {
                "produces": ["application/json"],
                "tags": ["discovery"],
                "summary": "List the registered scanners",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        }
    },
    "parameters": {
        "id": {"in": "path", "name": "id", "type": "string", "required": true, "description": "Address table id"}
    },
    "definitions": {
        "handler.CommandRequest": {
            "type": "object",
            "required": ["command"],
            "properties": {
                "command": {"type": "string", "example": "MEAS:VOLT?"},
                "as": {"type": "string", "enum": ["raw", "text", "int", "float", "decimal"]}
            }
        },
        "handler.BlockRequest": {
            "type": "object",
            "required": ["command", "format"],
            "properties": {
                "command": {"type": "string", "example": "CURV?"},
                "format": {"type": "string", "example": ">i2"}
            }
        },
        "handler.QueryResult": {
            "type": "object",
            "properties": {
                "command": {"type": "string"},
                "as": {"type": "string"},
                "value": {}
            }
        },
        "handler.BlockResult": {
            "type": "object",
            "properties": {
                "command": {"type": "string"},
                "format": {"type": "string"},
                "count": {"type": "integer"},
                "values": {"type": "array", "items": {"type": "number", "x-nullable": true}}
            }
        },
        "handler.StatusResult": {
            "type": "object",
            "properties": {
                "value": {"type": "integer"},
                "bits": {"type": "array", "items": {"type": "boolean"}}
            }
        },
        "utils.APIResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "data": {},
                "error": {"$ref": "#/definitions/utils.APIError"},
                "timestamp": {"type": "string", "format": "date-time"},
                "request_id": {"type": "string"}
            }
        },
        "utils.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string", "example": "TIMEOUT"},
                "message": {"type": "string"},
                "details": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "labinstr API",
	Description:      "HTTP and WebSocket bridge to lab instruments on LAN, GPIB, serial and USBTMC",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
