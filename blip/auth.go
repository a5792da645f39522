package blip

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth carries the bearer credential presented during the websocket
// handshake.
type ClientAuth struct {
	ByJwt string
}

type ByJwt struct {
	Subject    string
	ClientId   string
	DatabaseId string
}

// ParseByJwtUnverified extracts the identity claims from a token without
// verifying the signature. Signature verification is the server's job; the
// client only needs the claims to key its local state.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if subject, ok := claims["sub"]; ok {
		byJwt.Subject, _ = subject.(string)
	}
	if clientId, ok := claims["client_id"]; ok {
		byJwt.ClientId, _ = clientId.(string)
	}
	if databaseId, ok := claims["database_id"]; ok {
		byJwt.DatabaseId, _ = databaseId.(string)
	}
	return byJwt, nil
}
