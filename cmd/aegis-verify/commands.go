package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"Aegis-Evaluator/pkg/proofs"
)

// errProofRejected 表示证明结构合法但无法还原出给定的根。
var errProofRejected = errors.New("证明校验失败")

type globalFlags struct {
	hashAlgorithm string
	oddPolicy     string
	encoding      string
	jsonOutput    bool
}

func (g *globalFlags) hasher() (proofs.Hasher, error) {
	return proofs.NewHasher(g.hashAlgorithm)
}

func (g *globalFlags) policy() (proofs.OddPolicy, error) {
	return proofs.ParseOddPolicy(g.oddPolicy)
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "aegis-verify",
		Short:         "离线计算特征摘要并校验 Merkle 证明",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.hashAlgorithm, "hash", "sha256", "摘要算法: sha256, keccak256, blake2b-256")
	root.PersistentFlags().StringVar(&flags.oddPolicy, "odd-policy", "promote", "奇数节点策略: promote, duplicate")
	root.PersistentFlags().StringVar(&flags.encoding, "encoding", "delimited", "特征编码: delimited, jcs")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "以 JSON 输出结果")

	root.AddCommand(newFeaturesCmd(flags), newProofCmd(flags), newRootHashCmd(flags))
	return root
}

func newFeaturesCmd(flags *globalFlags) *cobra.Command {
	var f proofs.Features
	cmd := &cobra.Command{
		Use:   "features",
		Short: "计算 (quest, agent, confidence) 的特征摘要与叶子",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hasher, err := flags.hasher()
			if err != nil {
				return err
			}
			encoder, err := proofs.NewEncoder(hasher, flags.encoding)
			if err != nil {
				return err
			}
			preimage, err := encoder.Encode(f)
			if err != nil {
				return err
			}
			feature, leaf, err := encoder.Commit(f)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]any{
				"encoding":      string(encoder.Encoding()),
				"preimage":      string(preimage),
				"features_hash": feature.Hex(),
				"leaf_hash":     leaf.Hex(),
			}, []string{"encoding", "preimage", "features_hash", "leaf_hash"})
		},
	}
	cmd.Flags().Uint64Var(&f.QuestID, "quest", 0, "quest id")
	cmd.Flags().Uint64Var(&f.AgentID, "agent", 0, "agent id")
	cmd.Flags().IntVar(&f.Confidence, "confidence", 0, "置信度 [0,100]")
	_ = cmd.MarkFlagRequired("quest")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("confidence")
	return cmd
}

type proofOptions struct {
	leaf     string
	features string
	root     string
	pathFile string
	path     string
	hashes   []string
	index    int64
	size     int64
}

func newProofCmd(flags *globalFlags) *cobra.Command {
	opts := &proofOptions{}
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "校验叶子到根的 Merkle 证明",
		Long: `校验叶子到根的 Merkle 证明。

路径可以是服务返回的 merkle_path JSON（--path 或 --path-file），也可以是
merkle_proof 的十六进制列表（--sibling 可重复），后者需要同时给出 --index 与 --size。
给出 --index 与 --size 时会先检查路径的长度与方向是否与树的形状一致。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProof(cmd, flags, opts)
		},
	}
	cmd.Flags().StringVar(&opts.leaf, "leaf", "", "叶子摘要 (leaf_hash)")
	cmd.Flags().StringVar(&opts.features, "features", "", "特征摘要 (features_hash)，未给出 --leaf 时使用")
	cmd.Flags().StringVar(&opts.root, "root", "", "期望的 Merkle 根")
	cmd.Flags().StringVar(&opts.path, "path", "", "merkle_path JSON")
	cmd.Flags().StringVar(&opts.pathFile, "path-file", "", "包含 merkle_path JSON 的文件")
	cmd.Flags().StringSliceVar(&opts.hashes, "sibling", nil, "merkle_proof 中的兄弟节点，按从叶到根的顺序")
	cmd.Flags().Int64Var(&opts.index, "index", -1, "叶子索引")
	cmd.Flags().Int64Var(&opts.size, "size", -1, "树的叶子数")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func runProof(cmd *cobra.Command, flags *globalFlags, opts *proofOptions) error {
	hasher, err := flags.hasher()
	if err != nil {
		return err
	}
	policy, err := flags.policy()
	if err != nil {
		return err
	}

	var leaf proofs.Digest
	switch {
	case opts.leaf != "":
		leaf, err = proofs.ParseDigest(opts.leaf)
	case opts.features != "":
		var feature proofs.Digest
		feature, err = proofs.ParseDigest(opts.features)
		if err == nil {
			encoder, encErr := proofs.NewEncoder(hasher, flags.encoding)
			if encErr != nil {
				return encErr
			}
			leaf = encoder.LeafDigest(feature)
		}
	default:
		return errors.New("需要提供 --leaf 或 --features")
	}
	if err != nil {
		return err
	}
	root, err := proofs.ParseDigest(opts.root)
	if err != nil {
		return err
	}

	structured := opts.index >= 0 && opts.size >= 0
	path, err := loadPath(opts)
	if err != nil {
		return err
	}
	if path == nil && len(opts.hashes) > 0 {
		if !structured {
			return errors.New("--sibling 需要同时提供 --index 与 --size")
		}
		path, err = proofs.PathFromHex(opts.hashes, policy, uint64(opts.index), uint64(opts.size))
		if err != nil {
			return err
		}
	}

	var valid bool
	if structured {
		valid, err = proofs.VerifyProof(hasher, policy, proofs.Proof{
			Leaf:  leaf,
			Index: uint64(opts.index),
			Size:  uint64(opts.size),
			Path:  path,
			Root:  root,
		})
		if err != nil {
			return err
		}
	} else {
		valid = proofs.Verify(hasher, leaf, path, root)
	}

	computed := proofs.ComputeRoot(hasher, leaf, path)
	if err := render(cmd, flags, map[string]any{
		"valid":         valid,
		"leaf_hash":     leaf.Hex(),
		"computed_root": computed.Hex(),
		"merkle_root":   root.Hex(),
	}, []string{"valid", "leaf_hash", "computed_root", "merkle_root"}); err != nil {
		return err
	}
	if !valid {
		return errProofRejected
	}
	return nil
}

func loadPath(opts *proofOptions) (proofs.Path, error) {
	raw := strings.TrimSpace(opts.path)
	if opts.pathFile != "" {
		content, err := os.ReadFile(opts.pathFile)
		if err != nil {
			return nil, fmt.Errorf("读取路径文件失败: %w", err)
		}
		raw = strings.TrimSpace(string(content))
	}
	if raw == "" {
		return nil, nil
	}
	var path proofs.Path
	if err := json.Unmarshal([]byte(raw), &path); err != nil {
		return nil, fmt.Errorf("解析 merkle_path 失败: %w", err)
	}
	if path == nil {
		path = proofs.Path{}
	}
	return path, nil
}

func newRootHashCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "root LEAF...",
		Short: "按顺序由叶子计算 Merkle 根",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasher, err := flags.hasher()
			if err != nil {
				return err
			}
			policy, err := flags.policy()
			if err != nil {
				return err
			}
			leaves := make([]proofs.Digest, 0, len(args))
			for i, arg := range args {
				leaf, err := proofs.ParseDigest(arg)
				if err != nil {
					return fmt.Errorf("第 %d 个叶子无效: %w", i, err)
				}
				leaves = append(leaves, leaf)
			}
			root, err := proofs.BuildRoot(hasher, policy, leaves)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]any{
				"tree_size":   len(leaves),
				"merkle_root": root.Hex(),
			}, []string{"tree_size", "merkle_root"})
		},
	}
}

// render 按 keys 的顺序输出 key: value，或输出 JSON。
func render(cmd *cobra.Command, flags *globalFlags, values map[string]any, keys []string) error {
	out := cmd.OutOrStdout()
	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	}
	for _, key := range keys {
		if _, err := fmt.Fprintf(out, "%s: %v\n", key, values[key]); err != nil {
			return err
		}
	}
	return nil
}
