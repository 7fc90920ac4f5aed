package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/udjat"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)

	// Create the udjat - the manager of all exchange observers
	manager, err := udjat.New(
		udjat.WithObserver(udjat.NewDefaultLogObserver()),
		udjat.WithObserver(udjat.NewDNSObserver()),
	)
	if err != nil {
		fmt.Printf("Error creating manager: %v\n", err)
		return
	}
	defer manager.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Hello from udjat</h1>"+
			"<p>Every request to this server is counted, see <a href=\"/stats\">/stats</a>.</p>"+
			"</body></html>")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := sonic.MarshalIndent(manager.Registry().Snapshot(), "", "  ")
		if err != nil {
			http.Error(w, "failed to marshal snapshot", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(snapshot)
	})

	// Wrap the mux so every served exchange is observed
	fmt.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", udjat.NewHandler(manager, mux)); err != nil {
		fmt.Printf("Server error: %v\n", err)
	}
}
