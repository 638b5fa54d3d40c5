package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/embeddedbroker/internal/cli/prompt"
	"github.com/marmos91/embeddedbroker/pkg/apiclient"
)

// DefaultWebServiceURL is used when --url is not given.
const DefaultWebServiceURL = "http://127.0.0.1:8080"

var serviceURL string

func addURLFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&serviceURL, "url", DefaultWebServiceURL, "web service URL of a running broker")
}

func newClient() (*apiclient.Client, error) {
	return apiclient.New(serviceURL)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("broker at %s: %w", serviceURL, err)
			}
			brokerCfg, err := client.BrokerConfiguration(cmd.Context())
			if err != nil && !apiclient.IsUnavailable(err) {
				return err
			}

			p, err := printer(cmd)
			if err != nil {
				return err
			}
			return p.Print(brokerStatus{BrokerStatus: *status, Configuration: brokerCfg})
		},
	}
	addURLFlag(cmd)
	return cmd
}

type brokerStatus struct {
	apiclient.BrokerStatus `yaml:",inline"`
	Configuration          *apiclient.BrokerConfiguration `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

func (s brokerStatus) Headers() []string { return []string{"Field", "Value"} }

func (s brokerStatus) Rows() [][]string {
	rows := [][]string{
		{"status", s.Status},
		{"instance", s.InstanceID},
		{"ready", strconv.FormatBool(s.Ready)},
	}
	if c := s.Configuration; c != nil {
		rows = append(rows,
			[]string{"broker service", c.BrokerServiceURL},
			[]string{"auto topic creation", strconv.FormatBool(c.AllowAutoTopicCreation)},
			[]string{"auto topic type", c.AutoTopicCreationType},
			[]string{"default partitions", strconv.Itoa(c.DefaultPartitionCount)},
		)
	}
	return rows
}

func newTopicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "topics",
		Aliases: []string{"topic"},
		Short:   "Manage topics of a running broker",
	}
	addURLFlag(cmd)
	cmd.AddCommand(newTopicsListCmd(), newTopicsCreateCmd(), newTopicsDeleteCmd())
	return cmd
}

type topicList []apiclient.Topic

func (l topicList) Headers() []string {
	return []string{"Name", "Type", "Partitions", "Entries", "Auto Created"}
}

func (l topicList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, t := range l {
		rows = append(rows, []string{
			t.Name, t.Type, strconv.Itoa(t.Partitions),
			strconv.FormatInt(t.Entries, 10), strconv.FormatBool(t.AutoCreated),
		})
	}
	return rows
}

func newTopicsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			topics, err := client.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			p, err := printer(cmd)
			if err != nil {
				return err
			}
			return p.Print(topicList(topics))
		},
	}
}

func newTopicsCreateCmd() *cobra.Command {
	var partitions int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a topic",
		Example: `  embeddedbroker topics create orders --partitions 4
  embeddedbroker topics create events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			topic, err := client.CreateTopic(cmd.Context(), args[0], partitions)
			if apiclient.IsConflict(err) {
				return fmt.Errorf("topic %q already exists", args[0])
			}
			if err != nil {
				return err
			}
			p, err := printer(cmd)
			if err != nil {
				return err
			}
			return p.Print(topicList{*topic})
		},
	}
	cmd.Flags().IntVarP(&partitions, "partitions", "p", 0, "partition count (0 creates a non-partitioned topic)")
	return cmd
}

func newTopicsDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Delete topic %q", name), force)
			if err != nil {
				return err
			}
			if !ok {
				cmd.Println("Aborted")
				return nil
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteTopic(cmd.Context(), name); err != nil {
				if apiclient.IsNotFound(err) {
					return fmt.Errorf("topic %q not found", name)
				}
				return err
			}
			cmd.Printf("Topic %s deleted\n", strings.TrimSpace(name))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}
