package aws

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"benchfleet/internal/logging"
	"benchfleet/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

const (
	vpcCIDR    = "10.0.0.0/16"
	subnetCIDR = "10.0.0.0/24"
)

// network is one VPC with a single public subnet in its zone, an internet
// gateway and a default-route entry. The security group created alongside is
// the attachment point for firewall rules.
type network struct {
	bindings *bindings
	zone     string
	name     string

	vpcID           string
	subnetID        string
	gatewayID       string
	securityGroupID string
}

func (n *network) Create(ctx context.Context) error {
	vpc, err := n.bindings.client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: aws.String(vpcCIDR),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeVpc,
				Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(n.name)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create vpc: %w", err)
	}
	n.vpcID = aws.ToString(vpc.Vpc.VpcId)

	subnet, err := n.bindings.client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:            aws.String(n.vpcID),
		CidrBlock:        aws.String(subnetCIDR),
		AvailabilityZone: aws.String(n.zone),
	})
	if err != nil {
		return fmt.Errorf("failed to create subnet: %w", err)
	}
	n.subnetID = aws.ToString(subnet.Subnet.SubnetId)

	gateway, err := n.bindings.client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return fmt.Errorf("failed to create internet gateway: %w", err)
	}
	n.gatewayID = aws.ToString(gateway.InternetGateway.InternetGatewayId)

	if _, err := n.bindings.client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(n.gatewayID),
		VpcId:             aws.String(n.vpcID),
	}); err != nil {
		return fmt.Errorf("failed to attach internet gateway: %w", err)
	}

	routeTables, err := n.bindings.client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{n.vpcID}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to describe route tables: %w", err)
	}
	if len(routeTables.RouteTables) == 0 {
		return fmt.Errorf("vpc %s has no main route table", n.vpcID)
	}
	if _, err := n.bindings.client.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTables.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            aws.String(n.gatewayID),
	}); err != nil {
		return fmt.Errorf("failed to create default route: %w", err)
	}

	sg, err := n.bindings.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(n.name),
		Description: aws.String("benchfleet managed security group"),
		VpcId:       aws.String(n.vpcID),
	})
	if err != nil {
		return fmt.Errorf("failed to create security group: %w", err)
	}
	n.securityGroupID = aws.ToString(sg.GroupId)

	logging.Logger().Info("network created",
		zap.String("vpc", n.vpcID),
		zap.String("subnet", n.subnetID),
		zap.String("zone", n.zone))
	return nil
}

func (n *network) Delete(ctx context.Context) error {
	if n.vpcID == "" {
		return nil
	}

	// A restored handle knows only the VPC; rediscover the dependents.
	if err := n.discover(ctx); err != nil {
		return err
	}

	if n.securityGroupID != "" {
		if _, err := n.bindings.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(n.securityGroupID),
		}); err != nil {
			return fmt.Errorf("failed to delete security group %s: %w", n.securityGroupID, err)
		}
	}
	if n.subnetID != "" {
		if _, err := n.bindings.client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{
			SubnetId: aws.String(n.subnetID),
		}); err != nil {
			return fmt.Errorf("failed to delete subnet %s: %w", n.subnetID, err)
		}
	}
	if n.gatewayID != "" {
		if _, err := n.bindings.client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: aws.String(n.gatewayID),
			VpcId:             aws.String(n.vpcID),
		}); err != nil {
			return fmt.Errorf("failed to detach internet gateway %s: %w", n.gatewayID, err)
		}
		if _, err := n.bindings.client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: aws.String(n.gatewayID),
		}); err != nil {
			return fmt.Errorf("failed to delete internet gateway %s: %w", n.gatewayID, err)
		}
	}

	if _, err := n.bindings.client.DeleteVpc(ctx, &ec2.DeleteVpcInput{
		VpcId: aws.String(n.vpcID),
	}); err != nil {
		return fmt.Errorf("failed to delete vpc %s: %w", n.vpcID, err)
	}
	return nil
}

// discover fills the subnet, gateway and security-group IDs from the VPC.
func (n *network) discover(ctx context.Context) error {
	if n.subnetID == "" {
		subnets, err := n.bindings.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			Filters: []types.Filter{{Name: aws.String("vpc-id"), Values: []string{n.vpcID}}},
		})
		if err != nil {
			return fmt.Errorf("failed to describe subnets: %w", err)
		}
		if len(subnets.Subnets) > 0 {
			n.subnetID = aws.ToString(subnets.Subnets[0].SubnetId)
		}
	}
	if n.gatewayID == "" {
		gateways, err := n.bindings.client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
			Filters: []types.Filter{{Name: aws.String("attachment.vpc-id"), Values: []string{n.vpcID}}},
		})
		if err != nil {
			return fmt.Errorf("failed to describe internet gateways: %w", err)
		}
		if len(gateways.InternetGateways) > 0 {
			n.gatewayID = aws.ToString(gateways.InternetGateways[0].InternetGatewayId)
		}
	}
	if n.securityGroupID == "" {
		groups, err := n.bindings.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			Filters: []types.Filter{
				{Name: aws.String("vpc-id"), Values: []string{n.vpcID}},
				{Name: aws.String("group-name"), Values: []string{n.name}},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to describe security groups: %w", err)
		}
		if len(groups.SecurityGroups) > 0 {
			n.securityGroupID = aws.ToString(groups.SecurityGroups[0].GroupId)
		}
	}
	return nil
}

func (n *network) Zone() string { return n.zone }

func (n *network) Record() provider.NetworkRecord {
	return provider.NetworkRecord{Zone: n.zone, ID: n.vpcID, Name: n.name}
}

// firewall opens ports by authorizing ingress on the per-network security
// group. Rules are deduplicated by (group, port).
type firewall struct {
	bindings *bindings
	project  string

	mu      sync.Mutex
	seen    map[string]bool
	ruleIDs []string
	ports   []int
}

func (f *firewall) AllowPort(ctx context.Context, vm provider.VirtualMachine, port int) error {
	rec := vm.Record()
	if rec.Static {
		return nil
	}

	groupID, err := f.groupForZone(ctx, rec.Zone)
	if err != nil {
		return err
	}
	ruleID := fmt.Sprintf("%s/%d", groupID, port)

	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[ruleID] {
		f.mu.Unlock()
		return nil
	}
	f.seen[ruleID] = true
	f.mu.Unlock()

	if _, err := f.bindings.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(groupID),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(port)),
		ToPort:     aws.Int32(int32(port)),
		CidrIp:     aws.String("0.0.0.0/0"),
	}); err != nil {
		f.mu.Lock()
		delete(f.seen, ruleID)
		f.mu.Unlock()
		return fmt.Errorf("failed to authorize ingress on %s: %w", groupID, err)
	}

	f.mu.Lock()
	f.ruleIDs = append(f.ruleIDs, ruleID)
	f.ports = appendUniqueInt(f.ports, port)
	f.mu.Unlock()

	logging.Logger().Info("ingress rule created",
		zap.String("security_group", groupID),
		zap.Int("port", port))
	return nil
}

func (f *firewall) DisallowAllPorts(ctx context.Context) error {
	f.mu.Lock()
	ruleIDs := append([]string(nil), f.ruleIDs...)
	f.mu.Unlock()

	for _, ruleID := range ruleIDs {
		groupID, portText, ok := strings.Cut(ruleID, "/")
		if !ok {
			continue
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			continue
		}
		if _, err := f.bindings.client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:    aws.String(groupID),
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(port)),
			ToPort:     aws.Int32(int32(port)),
			CidrIp:     aws.String("0.0.0.0/0"),
		}); err != nil {
			return fmt.Errorf("failed to revoke ingress %s: %w", ruleID, err)
		}
	}

	f.mu.Lock()
	f.ruleIDs = nil
	f.seen = nil
	f.ports = nil
	f.mu.Unlock()
	return nil
}

func (f *firewall) Record() provider.FirewallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports := append([]int(nil), f.ports...)
	sort.Ints(ports)
	return provider.FirewallRecord{
		Project:   f.project,
		OpenPorts: ports,
		RuleIDs:   append([]string(nil), f.ruleIDs...),
	}
}

// groupForZone resolves the managed security group of the zone's network.
func (f *firewall) groupForZone(ctx context.Context, zone string) (string, error) {
	name := "benchfleet-" + zone
	groups, err := f.bindings.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe security groups: %w", err)
	}
	if len(groups.SecurityGroups) == 0 {
		return "", fmt.Errorf("no security group named %s", name)
	}
	return aws.ToString(groups.SecurityGroups[0].GroupId), nil
}

func appendUniqueInt(list []int, value int) []int {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
