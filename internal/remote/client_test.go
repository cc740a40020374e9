package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Token: "device-token"})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestClientSaveSendsBearerAndDecodesSystemFields(t *testing.T) {
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut || request.URL.Path != "/v1/records/folder/f1" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer device-token" {
			t.Errorf("unexpected authorization header %q", request.Header.Get("Authorization"))
		}
		var payload saveRequestPayload
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			t.Errorf("unexpected body error: %v", err)
		}
		if string(payload.Fields) != `{"name":"Study"}` {
			t.Errorf("unexpected fields %s", payload.Fields)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"recordId":"f1","modifiedAt":1700000000000,"version":4}`))
	})

	fields, err := client.Save(context.Background(), Record{
		Type:     entities.EntityTypeFolder,
		RecordID: "f1",
		Fields:   json.RawMessage(`{"name":"Study"}`),
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if fields.RecordID != "f1" || fields.ModifiedAtMs != 1700000000000 || fields.Version != 4 {
		t.Fatalf("unexpected system fields %#v", fields)
	}
}

func TestClientFetchChangesPassesToken(t *testing.T) {
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/records/favorite_item/changes" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		if request.URL.Query().Get("since") != "12" {
			t.Errorf("unexpected since %q", request.URL.Query().Get("since"))
		}
		_, _ = writer.Write([]byte(`{"changes":[{"recordId":"fav-1","fields":{"word":"猫"},"modifiedAt":5,"version":13},{"recordId":"fav-2","modifiedAt":6,"version":14,"deleted":true}],"token":"14"}`))
	})

	changes, token, err := client.FetchChanges(context.Background(), entities.EntityTypeFavoriteItem, "12")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if token != "14" || len(changes) != 2 {
		t.Fatalf("unexpected changes %#v token %q", changes, token)
	}
	if !changes[1].Deleted || changes[0].SystemFields().Version != 13 {
		t.Fatalf("unexpected decoded changes %#v", changes)
	}
}

func TestClientMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected Connectivity
	}{
		{name: "available", status: http.StatusOK, expected: ConnectivityAvailable},
		{name: "no account", status: http.StatusUnauthorized, expected: ConnectivityNoAccount},
		{name: "restricted", status: http.StatusForbidden, expected: ConnectivityRestricted},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
				if testCase.status == http.StatusOK {
					_, _ = writer.Write([]byte(`{"status":"available","accountId":"acct-1"}`))
					return
				}
				_, _ = writer.Write([]byte(`{"error":"denied"}`))
			})
			connectivity, err := client.CheckConnectivity(context.Background())
			if err != nil {
				t.Fatalf("unexpected connectivity error: %v", err)
			}
			if connectivity != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, connectivity)
			}
		})
	}
}

func TestClientSurfacesServerErrors(t *testing.T) {
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method == http.MethodDelete {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.WriteHeader(http.StatusInternalServerError)
		_, _ = writer.Write([]byte(`{"error":"save_failed","code":"cloud.save_record.record_save_failed"}`))
	})

	if err := client.Delete(context.Background(), entities.EntityTypeFolder, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err := client.Save(context.Background(), Record{Type: entities.EntityTypeFolder, RecordID: "f1", Fields: json.RawMessage(`{}`)})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Code != "cloud.save_record.record_save_failed" {
		t.Fatalf("unexpected status error %#v", statusErr)
	}
}

func TestClientReportsUnknownOnTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	connectivity, err := client.CheckConnectivity(context.Background())
	if err == nil || connectivity != ConnectivityUnknown {
		t.Fatalf("expected unknown connectivity with error, got %s (%v)", connectivity, err)
	}

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
