package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"relaygate/internal/domain"
)

// ChallengePayload is the body of the connect.challenge event the server
// emits as soon as the transport opens.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"` // unix milliseconds
}

// ConnectParams is the body of the connect request. The client sends
// exactly one per transport; a second connect on an authenticated
// connection is an idempotent session refresh.
type ConnectParams struct {
	MinProtocol int                 `json:"minProtocol"`
	MaxProtocol int                 `json:"maxProtocol"`
	Client      domain.ClientInfo   `json:"client"`
	Caps        []string            `json:"caps,omitempty"`
	Role        string              `json:"role"`
	Scopes      []string            `json:"scopes,omitempty"`
	Auth        *domain.Credentials `json:"auth,omitempty"`
}

// Snapshot is the payload of a successful connect response.
type Snapshot struct {
	SessionID  string   `json:"sessionId"`
	Protocol   int      `json:"protocol"`
	ServerCaps []string `json:"serverCaps"`
	Policy     Policy   `json:"policy"`
}

// Policy carries the server-side constants a client needs to behave well.
type Policy struct {
	RequestTimeoutMS  int64 `json:"requestTimeoutMs"`
	HandshakeWindowMS int64 `json:"handshakeWindowMs"`
	MaxPayloadBytes   int64 `json:"maxPayloadBytes"`
}

// connectSchema rejects unknown or malformed connect params at the
// boundary instead of trusting runtime shape at arbitrary depth.
const connectSchema = `{
	"type": "object",
	"required": ["minProtocol", "maxProtocol", "client", "role"],
	"properties": {
		"minProtocol": {"type": "integer", "minimum": 1},
		"maxProtocol": {"type": "integer", "minimum": 1},
		"client": {
			"type": "object",
			"required": ["id", "version", "platform", "mode"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"displayName": {"type": "string"},
				"version": {"type": "string", "minLength": 1},
				"platform": {"type": "string", "minLength": 1},
				"mode": {"type": "string", "minLength": 1}
			}
		},
		"caps": {"type": "array", "items": {"type": "string"}},
		"role": {"type": "string", "enum": ["operator", "node", "viewer"]},
		"scopes": {"type": "array", "items": {"type": "string"}},
		"auth": {
			"type": "object",
			"properties": {
				"token": {"type": "string"},
				"password": {"type": "string"}
			}
		}
	}
}`

var compiledConnectSchema = mustCompileSchema(connectSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: compile connect schema: %v", err))
	}
	return schema
}

// ParseConnectParams validates raw connect params against the schema and
// decodes them. Invalid shapes return ErrInvalidPayload.
func ParseConnectParams(raw json.RawMessage) (*ConnectParams, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, domain.NewDomainError("Connect.Parse", domain.ErrInvalidPayload, err.Error())
	}
	result := compiledConnectSchema.Validate(v)
	if !result.IsValid() {
		return nil, domain.NewDomainError("Connect.Parse", domain.ErrInvalidPayload, result.Error())
	}

	var params ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, domain.NewDomainError("Connect.Parse", domain.ErrInvalidPayload, err.Error())
	}
	if params.MinProtocol > params.MaxProtocol {
		return nil, domain.NewDomainError("Connect.Parse", domain.ErrInvalidPayload, "minProtocol above maxProtocol")
	}
	return &params, nil
}

// NegotiateVersion returns the protocol version to use, or
// ErrProtocolMismatch if the client range does not cover Version.
func NegotiateVersion(params *ConnectParams) (int, error) {
	if params.MinProtocol > Version || params.MaxProtocol < Version {
		return 0, domain.NewDomainError("Connect.Negotiate", domain.ErrProtocolMismatch,
			fmt.Sprintf("client speaks %d-%d, server speaks %d", params.MinProtocol, params.MaxProtocol, Version))
	}
	return Version, nil
}
