package cep_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipquote/internal/cep"
	"github.com/tournevent/shipquote/pkg/shipping"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ws/01310100/json/":
			w.Write([]byte(`{"cep":"01310-100","localidade":"São Paulo","uf":"SP"}`))
		case "/ws/99999999/json/":
			w.Write([]byte(`{"erro":true}`))
		case "/ws/88888888/json/":
			w.Write([]byte(`{"erro":"true"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestViaCEP_ResolveState(t *testing.T) {
	srv := newServer(t)
	client := cep.NewViaCEP(srv.URL+"/", 0)

	state, err := client.ResolveState(context.Background(), "01310-100")
	require.NoError(t, err)
	assert.Equal(t, "SP", state)
}

func TestViaCEP_Unresolved(t *testing.T) {
	srv := newServer(t)
	client := cep.NewViaCEP(srv.URL, 0)

	for _, code := range []string{"99999999", "88888888"} {
		_, err := client.ResolveState(context.Background(), code)
		assert.ErrorIs(t, err, cep.ErrUnresolved, code)
	}
}

func TestViaCEP_BadStatus(t *testing.T) {
	srv := newServer(t)
	client := cep.NewViaCEP(srv.URL, 0)

	_, err := client.ResolveState(context.Background(), "12345678")
	assert.ErrorContains(t, err, "status 400")
}

func TestViaCEP_InvalidPostalCode(t *testing.T) {
	client := cep.NewViaCEP("http://127.0.0.1:1", 0)

	_, err := client.ResolveState(context.Background(), "123")
	assert.ErrorIs(t, err, shipping.ErrValidation)
}
