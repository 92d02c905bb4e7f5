package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fsupload/engine/internal/task"
)

// newEnqueueCmd inserts a task row directly. spec.md never specifies a
// producer API ("how tasks get created" is out of scope); this stands in
// for it as a debug/ops entry point, the same role the teacher's `put`/
// `mkdir` commands play for its sync client.
func newEnqueueCmd() *cobra.Command {
	var (
		opType   string
		folderID int64
		fileID   int64
		text1    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a task directly into the queue (debug/ops use)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			t, err := parseTaskType(opType)
			if err != nil {
				return err
			}

			store, err := task.Open(cmd.Context(), cc.Cfg.Queue.DBPath, cc.Logger)
			if err != nil {
				return fmt.Errorf("opening task store: %w", err)
			}
			defer store.Close()

			newTask := task.Task{Type: t, Text1: text1}

			switch t {
			case task.MkDir, task.CreateFile:
				newTask.FolderID = folderID
			case task.RmDir:
				newTask.Int1 = folderID
			case task.Unlink:
				newTask.FileID = fileID
			}

			id, err := store.InsertTask(cmd.Context(), newTask)
			if err != nil {
				return fmt.Errorf("inserting task: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d (%s)\n", id, t)

			return nil
		},
	}

	cmd.Flags().StringVar(&opType, "type", "", "mkdir|rmdir|create_file|unlink")
	cmd.Flags().Int64Var(&folderID, "folder-id", 0, "parent folder id (mkdir/create_file) or folder id (rmdir)")
	cmd.Flags().Int64Var(&fileID, "file-id", 0, "file id (unlink)")
	cmd.Flags().StringVar(&text1, "name", "", "entry name (mkdir/create_file)")
	cmd.MarkFlagRequired("type")

	return cmd
}

func parseTaskType(s string) (task.Type, error) {
	switch s {
	case "mkdir":
		return task.MkDir, nil
	case "rmdir":
		return task.RmDir, nil
	case "create_file":
		return task.CreateFile, nil
	case "unlink":
		return task.Unlink, nil
	default:
		return 0, fmt.Errorf("unknown task type %q (want mkdir|rmdir|create_file|unlink)", s)
	}
}
