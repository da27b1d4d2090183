package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sauravfouzdar/bucket/pkg/client"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

var rootCmd = &cobra.Command{
	Use:   "bucket-client",
	Short: "Interactive shell against a bucket cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("master-address", common.DefaultClientConfig.MasterAddress, "master RPC address")
	rootCmd.Flags().Duration("cache-timeout", common.DefaultClientConfig.CacheTimeout, "how long cached metadata and chunk locations stay fresh")
	viper.BindPFlags(rootCmd.Flags())
}

type commandFunc func(c *client.Client, args []string) error

type commandEntry struct {
	handler commandFunc
	usage   string
}

var commands map[string]commandEntry

func init() {
	commands = map[string]commandEntry{
		"ls":     {handleList, "ls <path> - list directory contents"},
		"mkdir":  {handleMkdir, "mkdir <path> - create a directory"},
		"create": {handleCreate, "create <path> - create a new file"},
		"write":  {handleWrite, "write <path> <offset> <data> - write data to a file"},
		"read":   {handleRead, "read <path> <offset> <length> - read data from a file"},
		"append": {handleAppend, "append <path> <data> - atomically append data to a file"},
		"stat":   {handleStat, "stat <path> - show file metadata"},
		"rm":     {handleRemove, "rm <path> - remove a file"},
		"help":   {handleHelp, "help - show this help message"},
	}
}

func run(cmd *cobra.Command, args []string) error {
	bc := client.New(common.ClientConfig{
		MasterAddress: viper.GetString("master-address"),
		CacheTimeout:  viper.GetDuration("cache-timeout"),
	})

	fmt.Println("bucket client - type 'help' for commands, 'exit' to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("bucket> ")
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		fields := strings.Fields(input)
		name := fields[0]
		if name == "exit" || name == "quit" {
			return nil
		}
		command, ok := commands[name]
		if !ok {
			fmt.Printf("unknown command: %s\n", name)
			continue
		}
		if err := command.handler(bc, fields[1:]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func handleHelp(_ *client.Client, _ []string) error {
	fmt.Println("commands:")
	for _, cmd := range commands {
		fmt.Println("  " + cmd.usage)
	}
	fmt.Println("  exit - quit the client")
	return nil
}

func handleList(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ls <path>")
	}
	entries, err := c.ListDirectory(args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func handleMkdir(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mkdir <path>")
	}
	return c.CreateDirectory(args[0])
}

func handleCreate(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: create <path>")
	}
	_, err := c.Create(args[0])
	return err
}

func handleWrite(c *client.Client, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: write <path> <offset> <data>")
	}
	offset, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	f, err := c.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(offset, []byte(strings.Join(args[2:], " ")))
}

func handleRead(c *client.Client, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: read <path> <offset> <length>")
	}
	offset, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	length, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid length: %w", err)
	}
	f, err := c.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := f.Read(offset, length)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func handleAppend(c *client.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: append <path> <data>")
	}
	f, err := c.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	offset, err := f.Append([]byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Printf("appended at offset %d\n", offset)
	return nil
}

func handleStat(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stat <path>")
	}
	md, err := c.GetFileInfo(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("path=%s size=%d chunks=%d modified=%s\n", md.Path, md.Size, len(md.ChunkIDs), md.LastModified)
	return nil
}

func handleRemove(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rm <path>")
	}
	return c.Delete(args[0])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("client exited")
	}
}
