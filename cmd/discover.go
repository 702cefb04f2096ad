package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var (
		domainURL  string
		syndURL    string
		verb       string
		objectType string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Runs one discovery and prints the annotated activity",
		Long: `Looks up (and on a miss, crawls for) the original of a syndicated post.
The activity is printed as JSON with an "article" tag pointing at the
original when one is known.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if domainURL == "" || syndURL == "" {
				return errors.New("--domain and --url are required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			activity := &discovery.Activity{
				Verb:   verb,
				Object: &discovery.Object{ObjectType: objectType, URL: syndURL},
			}
			result, err := appInstance.Discover(cmd.Context(), discovery.Source{DomainURL: domainURL}, activity)
			if err != nil {
				return err
			}
			if result == nil {
				appInstance.Logger().Info("no original found", zap.String("syndication", syndURL))
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "null")
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode activity: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domainURL, "domain", "", "author's domain URL, e.g. https://snarfed.org/")
	cmd.Flags().StringVar(&syndURL, "url", "", "syndicated post URL")
	cmd.Flags().StringVar(&verb, "verb", "post", "activity verb")
	cmd.Flags().StringVar(&objectType, "object-type", "note", "activity object type")
	return cmd
}
