package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Export Licensing API",
        "description": "Case finalisation and licence lifecycle service",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Cases", "description": "Case finalisation"},
        {"name": "Advice", "description": "Advice and countersignatures"},
        {"name": "Licences", "description": "Licence lifecycle"},
        {"name": "Usage", "description": "Customs usage reporting"},
        {"name": "Reports", "description": "Licence register exports"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/cases/{id}/advice": {
            "get": {
                "tags": ["Advice"],
                "summary": "List advice on a case",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "level", "in": "query", "type": "string", "enum": ["user", "team", "final"]}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Advice"],
                "summary": "Record advice on a case",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GiveAdviceRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/advice/final": {
            "delete": {
                "tags": ["Advice"],
                "summary": "Clear the calling team's final advice",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/advice/{adviceId}": {
            "put": {
                "tags": ["Advice"],
                "summary": "Edit a final advice entry",
                "parameters": [
                    {"name": "adviceId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EditFinalAdviceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/countersign": {
            "post": {
                "tags": ["Advice"],
                "summary": "Record a countersignature on final advice",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CountersignRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/finalise": {
            "post": {
                "tags": ["Cases"],
                "summary": "Finalise a case",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Countersignatures outstanding or rejected"}
                }
            }
        },
        "/cases/{id}/licences": {
            "post": {
                "tags": ["Licences"],
                "summary": "Create a draft licence for a case",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateDraftLicenceRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/licences": {
            "get": {
                "tags": ["Licences"],
                "summary": "List licences",
                "parameters": [
                    {"name": "reference", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "array", "items": {"type": "string"}, "collectionFormat": "multi"},
                    {"name": "case_id", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/licences/{id}": {
            "get": {
                "tags": ["Licences"],
                "summary": "Get a licence with its goods",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/licences/{id}/status": {
            "patch": {
                "tags": ["Licences"],
                "summary": "Update a licence's status",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateLicenceStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/licences/usage": {
            "put": {
                "tags": ["Usage"],
                "summary": "Apply a customs usage batch",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UsageBatchRequest"}}
                ],
                "responses": {
                    "200": {"description": "All updates accepted"},
                    "207": {"description": "Partially accepted"},
                    "208": {"description": "Batch already applied"}
                }
            }
        },
        "/reports": {
            "post": {
                "tags": ["Reports"],
                "summary": "Queue a licence report",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateReportRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports/{id}": {
            "get": {
                "tags": ["Reports"],
                "summary": "Get a report job",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports/download": {
            "get": {
                "tags": ["Reports"],
                "summary": "Download a finished report",
                "parameters": [
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File"},
                    "403": {"description": "Invalid or expired token"}
                }
            }
        }
    },
    "definitions": {
        "GiveAdviceRequest": {
            "type": "object",
            "properties": {
                "level": {"type": "string", "enum": ["user", "team", "final"]},
                "type": {"type": "string", "enum": ["approve", "proviso", "refuse", "no_licence_required", "not_applicable", "conflicting"]},
                "text": {"type": "string"},
                "proviso": {"type": "string"},
                "note": {"type": "string"},
                "good_id": {"type": "string"},
                "party_id": {"type": "string"},
                "denial_reasons": {"type": "array", "items": {"type": "string"}}
            }
        },
        "EditFinalAdviceRequest": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "text": {"type": "string"},
                "proviso": {"type": "string"},
                "note": {"type": "string"},
                "denial_reasons": {"type": "array", "items": {"type": "string"}}
            }
        },
        "CountersignRequest": {
            "type": "object",
            "properties": {
                "advice_id": {"type": "string"},
                "order": {"type": "integer", "enum": [1, 2]},
                "outcome_accepted": {"type": "boolean"},
                "reasons": {"type": "string"}
            }
        },
        "CreateDraftLicenceRequest": {
            "type": "object",
            "properties": {
                "start_date": {"type": "string", "format": "date"},
                "duration": {"type": "integer"},
                "goods": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/GoodAllocation"}
                }
            }
        },
        "GoodAllocation": {
            "type": "object",
            "properties": {
                "good_id": {"type": "string"},
                "quantity": {"type": "number"},
                "value": {"type": "number"}
            }
        },
        "UpdateLicenceStatusRequest": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["suspended", "reinstated", "revoked"]}
            }
        },
        "UsageBatchRequest": {
            "type": "object",
            "properties": {
                "usage_data_id": {"type": "string"},
                "licences": {"type": "array", "items": {"type": "object"}}
            }
        },
        "CreateReportRequest": {
            "type": "object",
            "properties": {
                "type": {"type": "string", "enum": ["licence_register", "licence_usage"]},
                "format": {"type": "string", "enum": ["csv", "pdf"]},
                "statuses": {"type": "array", "items": {"type": "string"}},
                "reference": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "fields": {"type": "object"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
