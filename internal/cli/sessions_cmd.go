// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/RubinCarter/ropcode/internal/store"
)

// HandleSessions implements `ropcode sessions [list|delete <id>]`.
func HandleSessions(args Args, dbPath string) error {
	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args.Subcommand {
	case "", "list":
		return listSessions(st)
	case "delete":
		if len(args.Raw) < 2 {
			return fmt.Errorf("usage: ropcode sessions delete <session-id>")
		}
		return deleteSession(st, args.Raw[1])
	default:
		return fmt.Errorf("unknown sessions subcommand %q (want list or delete)", args.Subcommand)
	}
}

func openStore(dbPath string) (*store.Store, error) {
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

func listSessions(st *store.Store) error {
	sessions, err := st.List(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROVIDER\tPROJECT\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.SessionID, s.Provider, s.ProjectPath, s.MessageCount,
			s.Timestamp.Format(time.RFC3339))
	}
	return w.Flush()
}

func deleteSession(st *store.Store, id string) error {
	if err := st.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("deleted session %s\n", id)
	return nil
}
