package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// printJSON 以缩进 JSON 输出
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mustGetString 读取必选的字符串标志；MarkFlagRequired 已保证非空
func mustGetString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
