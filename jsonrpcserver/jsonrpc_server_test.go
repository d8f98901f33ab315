package jsonrpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type walletCount struct {
	Available int64 `json:"available"`
}

func TestHandler_ServeHTTP(t *testing.T) {
	var (
		errorArg      int64 = -1
		codedErrorArg int64 = -2
		errorOut      = errors.New("custom error") //nolint:goerr113
	)
	handlerMethod := func(ctx context.Context, arg1 int64) (walletCount, error) {
		switch arg1 {
		case errorArg:
			return walletCount{}, errorOut
		case codedErrorArg:
			return walletCount{}, fmt.Errorf("wrapped: %w", &relayError{code: -32011, err: errorOut})
		}
		return walletCount{arg1}, nil
	}

	handler, err := NewHandler(map[string]interface{}{
		"function": handlerMethod,
	})
	require.NoError(t, err)

	testCases := map[string]struct {
		requestBody      string
		expectedResponse string
	}{
		"success": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"result":{"available":1}}`,
		},
		"string id": {
			requestBody:      `{"jsonrpc":"2.0","id":"abc","method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":"abc","result":{"available":1}}`,
		},
		"error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"custom error"}}`,
		},
		"coded error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32011,"message":"wrapped: custom error"}}`,
		},
		"invalid json": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"unexpected EOF"}}`,
		},
		"invalid version": {
			requestBody:      `{"jsonrpc":"1.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32700,"message":"invalid jsonrpc version"}}`,
		},
		"invalid id": {
			requestBody:      `{"jsonrpc":"2.0","id":{"a":1},"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid id type"}}`,
		},
		"method not found": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"not_found","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
		},
		"invalid params": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1,2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params: too much arguments"}}`,
		},
		"invalid params type": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":["1"]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params: param 0: json: cannot unmarshal string into Go value of type int64"}}`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			body := bytes.NewReader([]byte(testCase.requestBody))
			request, err := http.NewRequest(http.MethodPost, "/", body)
			require.NoError(t, err)

			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, request)
			require.Equal(t, http.StatusOK, rr.Code)

			require.JSONEq(t, testCase.expectedResponse, rr.Body.String())
		})
	}
}

func TestHandler_RequestContext(t *testing.T) {
	var gotID, gotOrigin string
	handler, err := NewHandler(Methods{
		"ctx": func(ctx context.Context) (string, error) {
			gotID = GetRequestID(ctx)
			gotOrigin = GetOrigin(ctx)
			return "ok", nil
		},
	})
	require.NoError(t, err)

	call := func(headers map[string]string) *httptest.ResponseRecorder {
		request, err := http.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ctx","params":[]}`))
		require.NoError(t, err)
		for k, v := range headers {
			request.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request)
		return rr
	}

	rr := call(map[string]string{RequestIDHeader: "req-1", OriginHeader: "wallet-app"})
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"ok"}`, rr.Body.String())
	require.Equal(t, "req-1", gotID)
	require.Equal(t, "req-1", rr.Header().Get(RequestIDHeader))
	require.Equal(t, "wallet-app", gotOrigin)

	rr = call(nil)
	_, err = uuid.Parse(gotID)
	require.NoError(t, err)
	require.Equal(t, gotID, rr.Header().Get(RequestIDHeader))
	require.Equal(t, "", gotOrigin)

	rr = call(map[string]string{OriginHeader: strings.Repeat("a", maxOriginIDLength+1)})
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"x-relay-origin header is too long"}}`, rr.Body.String())

	require.Equal(t, "", GetRequestID(context.Background()))
}
