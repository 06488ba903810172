// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/spf13/cobra"

	lmt "github.com/opencomputeproject/ocp-diag-pci-lmt/lanemargintest"
)

var csvFlags struct {
	result string
	csv    string
}

var result2csvCmd = &cobra.Command{
	Use:   "result2csv",
	Short: "Convert a JSON result to a csv for plotting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if csvFlags.result == "" || csvFlags.csv == "" {
			return exitErrorf(exitUsage, "both --result and --csv must be specified")
		}
		in, err := os.Open(csvFlags.result)
		if err != nil {
			return exitErrorf(exitIO, "%v", err)
		}
		defer in.Close()
		out, err := os.Create(csvFlags.csv)
		if err != nil {
			return exitErrorf(exitIO, "%v", err)
		}
		if err := lmt.ConvertToCsv(in, out); err != nil {
			out.Close()
			return exitErrorf(exitSoftware, "%s: %v", csvFlags.result, err)
		}
		if err := out.Close(); err != nil {
			return exitErrorf(exitIO, "%v", err)
		}
		return nil
	},
}

func init() {
	result2csvCmd.Flags().StringVar(&csvFlags.result, "result", "result.json", "The JSON result file, as written by run -o json.")
	result2csvCmd.Flags().StringVar(&csvFlags.csv, "csv", "", "The csv file to write.")
	rootCmd.AddCommand(result2csvCmd)
}
